package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"caesartv/agent"
	"caesartv/api"
	"caesartv/cache"
	"caesartv/config"
	"caesartv/controller"
	"caesartv/database"
	"caesartv/handlers"
	"caesartv/identity"
	"caesartv/logship"
	"caesartv/netcheck"
	"caesartv/player"
	"caesartv/remote"
	"caesartv/repository"
	"caesartv/scheduler"
	"caesartv/sentry"
	"caesartv/sentryhelper"
	"caesartv/socketio"
)

const networkPollInterval = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debugf("no .env file loaded: %v", err)
	}
	config.NewConfig()
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	sentry.Flush(2 * time.Second)
	if errors.Is(err, agent.ErrBlocked) {
		log.Warn("device is blocked, exiting")
		return
	}
	if err != nil {
		log.Fatal(err)
	}
}

func setupLogging() {
	level, err := log.ParseLevel(config.Config.Options.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		FieldsOrder:     []string{"module", "deviceID"},
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

func run(ctx context.Context) error {
	cfg := config.Config
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Server.RemoteLoggingEnabled() {
		hook := logship.New(cfg.Server.LogURL, log.InfoLevel)
		log.AddHook(hook)
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hook.Flush(flushCtx)
			hook.Close()
		}()
	}

	sentry.Init(cfg.Sentry)
	device := identity.Resolve(cfg.Device.ID, cfg.Device.Name, cfg.Storage.DataDir)
	sentry.SetDevice(device)
	log.WithField("module", "main").Infof("starting caesartv %s as %s (%s)", config.Version, device.ID, device.Name)

	db, err := database.New(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	checker := netcheck.New(cfg.Server.APIBaseURL)
	monitor := netcheck.NewMonitor(checker.Available, networkPollInterval)
	go monitor.Run(ctx)

	downloader := cache.NewDownloader(cache.Options{
		Dir:         filepath.Join(cfg.Storage.DataDir, "videos"),
		Validator:   cache.NewProber(cfg.Playback.ProbeCommand),
		MaxRetries:  cfg.Retry.MaxRetries,
		BaseDelay:   cfg.Retry.BaseDelay,
		Concurrency: cfg.Storage.DownloadConcurrency,
		Online:      checker.Available,
	})
	repo := repository.New(db, downloader)
	if err := repo.WatchCache(ctx); err != nil {
		log.WithField("module", "main").Warnf("cache watcher disabled: %v", err)
	}

	fetcher := api.New(api.Options{
		BaseURL:    cfg.Server.APIBaseURL,
		PageLimit:  cfg.Server.PageLimit,
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		Online:     checker.Available,
	})

	socket, err := socketio.New(cfg.Server.SocketURL, http.Header{"User-Agent": {"caesartv/" + config.Version}})
	if err != nil {
		return err
	}
	source := remote.New(socket, fetcher, remote.Options{
		Device:       device,
		MaxRetries:   cfg.Retry.MaxRetries,
		BaseDelay:    cfg.Retry.BaseDelay,
		MediaTimeout: cfg.Retry.MediaTimeout,
		Online:       checker.Available,
	})

	ctrl := controller.New(player.NewExecBackend(cfg.Playback.PlayerCommand), repo, controller.Options{
		Supports4K:      cfg.Playback.Supports4K,
		ImageDisplay:    cfg.Playback.ImageDisplay,
		MultipleTimeout: cfg.Playback.MultipleTimeout,
		Online:          monitor.Online,
	})
	defer ctrl.Close()

	a := agent.New(source, repo, ctrl, agent.Options{
		Device:           device,
		Splash:           cfg.Playback.Splash,
		MediaTimeout:     cfg.Retry.MediaTimeout,
		BlockedCloseWait: cfg.Playback.BlockedCloseWait,
		MaxRetries:       cfg.Retry.MaxRetries,
		RetryDelay:       cfg.Retry.BaseDelay,
		Network:          monitor.Changes(),
		Fetcher:          fetcher,
	})

	jobs := scheduler.New(ctx)
	defer jobs.Wait()
	defer cancel()
	jobs.Schedule("verify-cache", cfg.Storage.VerifyInterval, func(ctx context.Context) error {
		ctx, tx := sentryhelper.StartJobTransaction(ctx, "verify-cache")
		defer tx.Finish()
		_, err := repo.VerifyCachedFiles(ctx)
		return err
	})

	server := &http.Server{
		Addr:    ":" + cfg.Options.Port,
		Handler: handlers.NewManager(a, ctrl, repo).Router(),
	}
	go func() {
		log.WithField("module", "main").Infof("status server listening on :%s", cfg.Options.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("module", "main").Errorf("status server failed: %v", err)
		}
	}()

	runErr := a.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithField("module", "main").Warnf("status server shutdown: %v", err)
	}
	return runErr
}
