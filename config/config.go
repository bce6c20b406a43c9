package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	AppID       = "com.example.caesartv"
	Version     = "1.0.8"
	VersionCode = 8
)

type ConfigStruct struct {
	Server   ServerConfig
	Device   DeviceConfig
	Storage  StorageConfig
	Retry    RetryConfig
	Playback PlaybackConfig
	Options  Options
	Sentry   SentryConfig
}

type ServerConfig struct {
	SocketURL  string
	APIBaseURL string
	LogURL     string
	PageLimit  int
}

type DeviceConfig struct {
	ID   string
	Name string
}

type StorageConfig struct {
	DataDir             string
	DBPath              string
	DownloadConcurrency int
	VerifyInterval      time.Duration
}

type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MediaTimeout time.Duration
}

type PlaybackConfig struct {
	PlayerCommand    string
	ProbeCommand     string
	Supports4K       bool
	ImageDisplay     time.Duration
	MultipleTimeout  time.Duration
	Splash           time.Duration
	BlockedCloseWait time.Duration
}

type Options struct {
	Port     string
	LogLevel string
}

type SentryConfig struct {
	DSN string
}

func (s *ServerConfig) RemoteLoggingEnabled() bool {
	return s.LogURL != ""
}

func (s *SentryConfig) IsEnabled() bool {
	return s.DSN != ""
}

var Config *ConfigStruct

func NewConfig() {
	dataDir := getEnvDefault("DATA_DIR", "/app/data")
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "caesartv.db")
	}

	Config = &ConfigStruct{
		Server: ServerConfig{
			SocketURL:  getEnvDefault("CAESAR_SOCKET_URL", "wss://tvapi.afikgroup.com/"),
			APIBaseURL: getEnvDefault("CAESAR_API_BASE_URL", "https://tvapi.afikgroup.com/media/getMedia/"),
			LogURL:     getLogURL(),
			PageLimit:  getBoundedInt("PAGE_LIMIT", 10, 1, 100),
		},
		Device: DeviceConfig{
			ID:   os.Getenv("CAESAR_DEVICE_ID"),
			Name: os.Getenv("CAESAR_DEVICE_NAME"),
		},
		Storage: StorageConfig{
			DataDir:             dataDir,
			DBPath:              dbPath,
			DownloadConcurrency: getBoundedInt("DOWNLOAD_CONCURRENCY", 2, 1, 8),
			VerifyInterval:      time.Duration(getPositiveInt("VERIFY_INTERVAL_MINUTES", 1)) * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:   getBoundedInt("MAX_RETRIES", 3, 1, 10),
			BaseDelay:    time.Duration(getPositiveInt("RETRY_BASE_DELAY_MS", 2000)) * time.Millisecond,
			MediaTimeout: time.Duration(getPositiveInt("MEDIA_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Playback: PlaybackConfig{
			PlayerCommand:    getEnvDefault("PLAYER_COMMAND", "mpv"),
			ProbeCommand:     getEnvDefault("PROBE_COMMAND", "ffprobe"),
			Supports4K:       os.Getenv("SUPPORTS_4K") == "true",
			ImageDisplay:     time.Duration(getPositiveInt("IMAGE_DISPLAY_SECONDS", 3)) * time.Second,
			MultipleTimeout:  time.Duration(getPositiveInt("MULTIPLE_TIMEOUT_SECONDS", 10)) * time.Second,
			Splash:           time.Duration(getNonNegativeInt("SPLASH_SECONDS", 5)) * time.Second,
			BlockedCloseWait: time.Duration(getNonNegativeInt("BLOCKED_CLOSE_SECONDS", 3)) * time.Second,
		},
		Options: Options{
			Port:     getEnvDefault("PORT", "8080"),
			LogLevel: getEnvDefault("LOG_LEVEL", "info"),
		},
		Sentry: SentryConfig{
			DSN: os.Getenv("SENTRY_DSN"),
		},
	}
}

func getEnvDefault(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

// getLogURL distinguishes "unset" (default sink) from "set to empty" (disabled).
func getLogURL() string {
	v, ok := os.LookupEnv("CAESAR_LOG_URL")
	if !ok {
		return "https://tvapi.afikgroup.com/media/log-text"
	}
	return strings.TrimSpace(v)
}

func getPositiveInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getNonNegativeInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func getBoundedInt(name string, def, min, max int) int {
	v := getPositiveInt(name, def)
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
