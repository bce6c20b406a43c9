// Package sentryhelper scopes Sentry transactions and breadcrumbs to a single
// unit of work such as one playlist sync.
package sentryhelper

import (
	"context"

	"caesartv/models"

	sentry "github.com/getsentry/sentry-go"
)

type contextKey string

const hubContextKey contextKey = "sentry_hub"

// StartSyncTransaction starts a transaction for one playlist sync on a cloned
// hub, so breadcrumbs from concurrent syncs do not mix.
func StartSyncTransaction(ctx context.Context, trigger string, device models.Device) (context.Context, *sentry.Span) {
	hub := sentry.CurrentHub().Clone()
	ctx = context.WithValue(ctx, hubContextKey, hub)

	transaction := sentry.StartTransaction(ctx, "media.sync",
		sentry.WithOpName("sync"),
		sentry.WithTransactionSource(sentry.SourceTask),
	)
	transaction.SetTag("trigger", trigger)
	transaction.SetTag("device_id", device.ID)

	hub.Scope().SetSpan(transaction)
	return transaction.Context(), transaction
}

// StartJobTransaction starts a transaction for a scheduled job run.
func StartJobTransaction(ctx context.Context, job string) (context.Context, *sentry.Span) {
	hub := sentry.CurrentHub().Clone()
	ctx = context.WithValue(ctx, hubContextKey, hub)

	transaction := sentry.StartTransaction(ctx, "job."+job,
		sentry.WithOpName("job"),
		sentry.WithTransactionSource(sentry.SourceTask),
	)
	transaction.SetTag("job", job)

	hub.Scope().SetSpan(transaction)
	return transaction.Context(), transaction
}

// HubFromContext returns the hub stored by a transaction, or the current hub.
func HubFromContext(ctx context.Context) *sentry.Hub {
	if ctx == nil {
		return sentry.CurrentHub()
	}
	if hub, ok := ctx.Value(hubContextKey).(*sentry.Hub); ok && hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

func AddBreadcrumb(ctx context.Context, category, message string) {
	HubFromContext(ctx).AddBreadcrumb(&sentry.Breadcrumb{
		Category: category,
		Message:  message,
		Level:    sentry.LevelInfo,
	}, nil)
}

func CaptureException(ctx context.Context, err error) *sentry.EventID {
	return HubFromContext(ctx).CaptureException(err)
}

func CaptureMessage(ctx context.Context, message string) *sentry.EventID {
	return HubFromContext(ctx).CaptureMessage(message)
}

// StartSpan starts a child span of the transaction in ctx, or an orphan span
// when there is none.
func StartSpan(ctx context.Context, operation string) *sentry.Span {
	return sentry.StartSpan(ctx, operation)
}
