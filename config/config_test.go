package config

import (
	"testing"
	"time"
)

func TestGetBoundedInt(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want int
	}{
		{"empty", "", 3},
		{"invalid", "abc", 3},
		{"zero", "0", 3},
		{"negative", "-1", 3},
		{"min", "1", 1},
		{"mid", "5", 5},
		{"max", "10", 10},
		{"over", "11", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MAX_RETRIES", tt.env)
			if got := getBoundedInt("MAX_RETRIES", 3, 1, 10); got != tt.want {
				t.Errorf("getBoundedInt() = %d; want %d", got, tt.want)
			}
		})
	}
}

func TestGetNonNegativeInt(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want int
	}{
		{"empty", "", 5},
		{"invalid", "x", 5},
		{"zero", "0", 0},
		{"negative", "-3", 5},
		{"valid", "12", 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SPLASH_SECONDS", tt.env)
			if got := getNonNegativeInt("SPLASH_SECONDS", 5); got != tt.want {
				t.Errorf("getNonNegativeInt() = %d; want %d", got, tt.want)
			}
		})
	}
}

func TestGetLogURL(t *testing.T) {
	t.Setenv("CAESAR_LOG_URL", "")
	if got := getLogURL(); got != "" {
		t.Errorf("getLogURL() with empty value = %q; want disabled", got)
	}

	t.Setenv("CAESAR_LOG_URL", " https://logs.example/ingest ")
	if got := getLogURL(); got != "https://logs.example/ingest" {
		t.Errorf("getLogURL() = %q", got)
	}
}

func TestNewConfigDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/caesar")
	t.Setenv("DB_PATH", "")
	t.Setenv("RETRY_BASE_DELAY_MS", "")
	t.Setenv("MEDIA_TIMEOUT_SECONDS", "")
	t.Setenv("PORT", "")
	t.Setenv("SUPPORTS_4K", "")

	NewConfig()

	if Config.Storage.DBPath != "/tmp/caesar/caesartv.db" {
		t.Errorf("DBPath = %q", Config.Storage.DBPath)
	}
	if Config.Retry.BaseDelay != 2*time.Second {
		t.Errorf("BaseDelay = %v; want 2s", Config.Retry.BaseDelay)
	}
	if Config.Retry.MediaTimeout != 10*time.Second {
		t.Errorf("MediaTimeout = %v; want 10s", Config.Retry.MediaTimeout)
	}
	if Config.Options.Port != "8080" {
		t.Errorf("Port = %q; want 8080", Config.Options.Port)
	}
	if Config.Playback.Supports4K {
		t.Error("Supports4K should default to false")
	}
}
