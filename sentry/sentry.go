package sentry

import (
	"time"

	"caesartv/config"
	"caesartv/models"

	sentry "github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Init configures the global client. An empty DSN leaves reporting disabled
// while the capture calls stay safe to use.
func Init(cfg config.SentryConfig) {
	if !cfg.IsEnabled() {
		log.WithField("module", "sentry").Info("SENTRY_DSN not set, error reporting disabled")
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Release:          Release(),
		TracesSampleRate: 1.0,
	}); err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}
}

func Release() string {
	return "caesartv@" + config.Version
}

// SetDevice tags every event with the device it came from.
func SetDevice(device models.Device) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("device_id", device.ID)
		scope.SetContext("device", map[string]interface{}{
			"id":   device.ID,
			"name": device.Name,
		})
	})
}

func GetSentryGin() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{Repanic: true})
}

func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}
