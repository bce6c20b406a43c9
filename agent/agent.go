// Package agent decides what the screen shows: splash, cached playlist,
// freshly synced playlist or nothing at all while the device is blocked.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"caesartv/models"
	"caesartv/netcheck"
	"caesartv/remote"
	"caesartv/sentryhelper"

	log "github.com/sirupsen/logrus"
)

// ErrBlocked is returned by Run when the server blocked this device.
var ErrBlocked = errors.New("device blocked")

type State string

const (
	StateSplash  State = "splash"
	StateWaiting State = "waiting"
	StatePlaying State = "playing"
	StateBlocked State = "blocked"
)

// Source is the realtime connection; *remote.Source satisfies it.
type Source interface {
	Notifications() <-chan remote.Notification
	Connect(ctx context.Context) error
	Disconnect()
}

// Store persists playlists; *repository.Repository satisfies it.
type Store interface {
	Sync(ctx context.Context, items []models.MediaItem) ([]models.MediaItem, error)
	CachedMedia(ctx context.Context) ([]models.MediaItem, error)
}

// Player shows playlists; *controller.Controller satisfies it.
type Player interface {
	Load(items []models.MediaItem)
	Stop()
	Finished() <-chan struct{}
}

type Options struct {
	Device           models.Device
	Splash           time.Duration
	MediaTimeout     time.Duration
	BlockedCloseWait time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	// PollInterval is how often fetched media is checked for while waiting.
	PollInterval time.Duration
	// MinCycle delays a reload when the playlist finished faster than this.
	MinCycle time.Duration
	// Network delivers reachability transitions; nil disables the monitor.
	Network <-chan netcheck.State
	// Fetcher backs Refresh; nil disables it.
	Fetcher remote.MediaFetcher
}

type Status struct {
	State    State         `json:"state"`
	Blocked  bool          `json:"blocked"`
	Device   models.Device `json:"device"`
	Items    int           `json:"items"`
	LastSync time.Time     `json:"lastSync,omitempty"`
}

type Agent struct {
	source Source
	store  Store
	player Player
	opts   Options
	logger *log.Entry

	syncRequests chan syncRequest
	synced       chan []models.MediaItem
	connecting   sync.Mutex

	mutex    sync.Mutex
	state    State
	blocked  bool
	fetched  []models.MediaItem
	items    int
	lastSync time.Time

	// loop state
	waitStart  time.Time
	poll       *time.Ticker
	shutdown   *time.Timer
	reload     *time.Timer
	reconnect  *time.Timer
	retries    int
	lastLoad   time.Time
	splashDone bool
}

type syncRequest struct {
	trigger string
	items   []models.MediaItem
}

func New(source Source, store Store, player Player, opts Options) *Agent {
	if opts.MediaTimeout <= 0 {
		opts.MediaTimeout = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MinCycle <= 0 {
		opts.MinCycle = 5 * time.Second
	}
	return &Agent{
		source:       source,
		store:        store,
		player:       player,
		opts:         opts,
		logger:       log.WithFields(log.Fields{"module": "agent", "deviceID": opts.Device.ID}),
		syncRequests: make(chan syncRequest, 1),
		synced:       make(chan []models.MediaItem, 1),
		state:        StateSplash,
	}
}

func (a *Agent) Status() Status {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return Status{
		State:    a.state,
		Blocked:  a.blocked,
		Device:   a.opts.Device,
		Items:    a.items,
		LastSync: a.lastSync,
	}
}

func (a *Agent) setState(s State) {
	a.mutex.Lock()
	prev := a.state
	a.state = s
	a.mutex.Unlock()
	if prev != s {
		a.logger.Infof("state %s -> %s", prev, s)
	}
}

func (a *Agent) isBlocked() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.blocked
}

func (a *Agent) setBlocked(b bool) {
	a.mutex.Lock()
	a.blocked = b
	a.mutex.Unlock()
}

// Refresh fetches the playlist over HTTP and syncs it, outside the realtime
// channel.
func (a *Agent) Refresh(ctx context.Context) error {
	if a.opts.Fetcher == nil {
		return errors.New("refresh is not configured")
	}
	items, err := a.opts.Fetcher.FetchMedia(ctx, a.opts.Device.ID)
	if err != nil {
		return err
	}
	a.requestSync("manual", items)
	return nil
}

// requestSync queues items for the sync worker, replacing a queued request
// that has not started yet.
func (a *Agent) requestSync(trigger string, items []models.MediaItem) {
	req := syncRequest{trigger: trigger, items: items}
	for {
		select {
		case a.syncRequests <- req:
			return
		default:
		}
		select {
		case stale := <-a.syncRequests:
			a.logger.Debugf("superseding queued %s sync", stale.trigger)
		default:
		}
	}
}

func (a *Agent) syncWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.syncRequests:
			a.runSync(ctx, req)
		}
	}
}

func (a *Agent) runSync(ctx context.Context, req syncRequest) {
	ctx, tx := sentryhelper.StartSyncTransaction(ctx, req.trigger, a.opts.Device)
	defer tx.Finish()
	sentryhelper.AddBreadcrumb(ctx, "sync", "received media "+strings.Join(models.MediaIDs(req.items), ","))

	items, err := a.store.Sync(ctx, req.items)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Errorf("sync failed: %v", err)
		}
		return
	}

	a.mutex.Lock()
	a.fetched = items
	a.lastSync = time.Now()
	a.mutex.Unlock()

	// The loop only needs the latest result.
	select {
	case <-a.synced:
	default:
	}
	a.synced <- items
}

// connect opens the realtime channel once. The source retries a failed dial
// itself and reports an Error notification when it gives up; playback is
// served from the cache meanwhile.
func (a *Agent) connect(ctx context.Context) {
	if !a.connecting.TryLock() {
		return
	}
	defer a.connecting.Unlock()

	err := a.source.Connect(ctx)
	switch {
	case err == nil:
	case errors.Is(err, remote.ErrOffline):
		a.logger.Warn("no network available, using cached media")
	default:
		a.logger.Warnf("connection failed: %v", err)
	}
}

// scheduleReconnect restarts the realtime channel after RetryDelay, at most
// MaxRetries times until media arrives again.
func (a *Agent) scheduleReconnect() {
	if a.isBlocked() || a.reconnect != nil {
		return
	}
	if a.retries >= a.opts.MaxRetries {
		a.logger.Warn("max retries reached, using cached media")
		return
	}
	a.retries++
	a.logger.Infof("reconnecting in %s, attempt %d/%d", a.opts.RetryDelay, a.retries, a.opts.MaxRetries)
	a.reconnect = time.NewTimer(a.opts.RetryDelay)
}

// Run drives the device until ctx is done or the device is blocked.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.stopTimers()

	a.logger.Info("showing splash screen")
	go a.syncWorker(ctx)
	go a.connect(ctx)

	splash := time.NewTimer(a.opts.Splash)
	defer splash.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			a.player.Stop()
			a.source.Disconnect()
			return nil

		case <-splash.C:
			a.splashDone = true
			a.logger.Debug("splash screen hidden")
			if a.isBlocked() {
				a.enterBlocked()
			} else {
				a.playCachedOrWait(ctx)
			}

		case n := <-a.source.Notifications():
			a.handleNotification(ctx, n)

		case items := <-a.synced:
			a.logger.Infof("synced %d media items", len(items))
			switch {
			case !a.splashDone || a.isBlocked() || len(items) == 0:
			case a.state == StatePlaying:
				a.logger.Debug("playlist on screen, update applies on the next cycle")
			default:
				a.load(items)
			}

		case <-a.pollC():
			a.checkFetched(ctx)

		case <-a.player.Finished():
			a.handleFinished(ctx)

		case <-a.reloadC():
			a.reload = nil
			if !a.isBlocked() {
				a.playCachedOrWait(ctx)
			}

		case <-a.reconnectC():
			a.reconnect = nil
			a.source.Disconnect()
			go a.connect(ctx)

		case state := <-a.opts.Network:
			a.handleNetwork(ctx, state)

		case <-a.shutdownC():
			a.logger.Warn("closing after device block")
			a.source.Disconnect()
			return ErrBlocked
		}
	}
}

func (a *Agent) handleNotification(ctx context.Context, n remote.Notification) {
	switch n.Type {
	case remote.MediaFetched:
		a.logger.Debugf("media fetched: %v", models.MediaIDs(n.Items))
		a.setBlocked(false)
		a.retries = 0
		a.requestSync("socket", n.Items)
	case remote.Blocked:
		a.logger.Warn("device blocked by server")
		a.setBlocked(true)
		if a.splashDone {
			a.enterBlocked()
		}
	case remote.Unblocked:
		a.logger.Info("device unblocked by server")
		a.setBlocked(false)
		if a.shutdown != nil {
			a.shutdown.Stop()
			a.shutdown = nil
		}
		if a.splashDone && a.state != StatePlaying {
			a.playCachedOrWait(ctx)
		}
	case remote.Error:
		a.logger.Warnf("realtime channel error: %s", n.Reason)
		if a.splashDone && a.state == StateWaiting {
			a.playCachedOrWait(ctx)
		}
		a.scheduleReconnect()
	default:
		a.logger.Warnf("unknown notification: %s", n.Type)
	}
}

func (a *Agent) handleNetwork(ctx context.Context, state netcheck.State) {
	switch state {
	case netcheck.StateAvailable:
		a.logger.Info("network available, connecting")
		a.retries = 0
		go a.connect(ctx)
	case netcheck.StateLost:
		a.logger.Warn("network lost, disconnecting")
		if a.reconnect != nil {
			a.reconnect.Stop()
			a.reconnect = nil
		}
		a.source.Disconnect()
		if a.splashDone && a.state == StateWaiting {
			a.playCachedOrWait(ctx)
		}
	}
}

func (a *Agent) handleFinished(ctx context.Context) {
	if a.isBlocked() {
		return
	}
	if wait := a.opts.MinCycle - time.Since(a.lastLoad); wait > 0 {
		a.logger.Debugf("playlist cycle was short, reloading in %s", wait)
		if a.reload == nil {
			a.reload = time.NewTimer(wait)
		}
		return
	}
	a.logger.Debug("playlist finished, reloading cached media")
	a.playCachedOrWait(ctx)
}

func (a *Agent) enterBlocked() {
	a.stopPolling()
	a.setState(StateBlocked)
	a.player.Stop()
	if a.shutdown == nil {
		a.logger.Warnf("closing in %s", a.opts.BlockedCloseWait)
		a.shutdown = time.NewTimer(a.opts.BlockedCloseWait)
	}
}

func (a *Agent) playCachedOrWait(ctx context.Context) {
	cached, err := a.store.CachedMedia(ctx)
	if err != nil {
		a.logger.Errorf("failed to load cached media: %v", err)
	}
	if len(cached) > 0 {
		a.logger.Infof("cached media available: %d items", len(cached))
		a.load(cached)
		return
	}

	a.mutex.Lock()
	fetched := a.fetched
	a.mutex.Unlock()
	if len(fetched) > 0 {
		a.load(fetched)
		return
	}

	a.logger.Info("no cached media, waiting for the server")
	a.player.Stop()
	a.setState(StateWaiting)
	a.waitStart = time.Now()
	if a.poll == nil {
		a.poll = time.NewTicker(a.opts.PollInterval)
	}
}

func (a *Agent) checkFetched(ctx context.Context) {
	if a.isBlocked() {
		a.stopPolling()
		return
	}
	a.mutex.Lock()
	fetched := a.fetched
	a.mutex.Unlock()

	if len(fetched) > 0 {
		a.load(fetched)
		return
	}
	if time.Since(a.waitStart) >= a.opts.MediaTimeout {
		a.logger.Warn("media fetch timed out, checking cached media")
		a.stopPolling()
		a.playCachedOrWait(ctx)
	}
}

func (a *Agent) load(items []models.MediaItem) {
	a.stopPolling()
	a.mutex.Lock()
	a.items = len(items)
	a.mutex.Unlock()
	a.lastLoad = time.Now()
	a.setState(StatePlaying)
	a.player.Load(items)
}

func (a *Agent) stopPolling() {
	if a.poll != nil {
		a.poll.Stop()
		a.poll = nil
	}
}

func (a *Agent) stopTimers() {
	a.stopPolling()
	if a.shutdown != nil {
		a.shutdown.Stop()
	}
	if a.reload != nil {
		a.reload.Stop()
	}
	if a.reconnect != nil {
		a.reconnect.Stop()
	}
}

func (a *Agent) pollC() <-chan time.Time {
	if a.poll == nil {
		return nil
	}
	return a.poll.C
}

func (a *Agent) shutdownC() <-chan time.Time {
	if a.shutdown == nil {
		return nil
	}
	return a.shutdown.C
}

func (a *Agent) reloadC() <-chan time.Time {
	if a.reload == nil {
		return nil
	}
	return a.reload.C
}

func (a *Agent) reconnectC() <-chan time.Time {
	if a.reconnect == nil {
		return nil
	}
	return a.reconnect.C
}
