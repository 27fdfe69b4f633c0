package sentry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/emberwake/relay/internal/events"
)

// Init configures the global Sentry client with the scrubbing hooks. An
// empty dsn leaves Sentry disabled and returns false.
func Init(dsn, environment, release string) (bool, error) {
	if dsn == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:                   dsn,
		Environment:           environment,
		Release:               release,
		BeforeSend:            ScrubEvent,
		BeforeSendTransaction: ScrubTransaction,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Flush waits up to timeout for buffered events to be sent.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}

// Reporter forwards isolated bus handler failures to Sentry.
type Reporter struct {
	hub *sentry.Hub
}

// NewReporter reports through hub, or the current hub when nil.
func NewReporter(hub *sentry.Hub) *Reporter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &Reporter{hub: hub}
}

// ReportHandlerError implements bus.ErrorReporter.
func (r *Reporter) ReportHandlerError(ctx context.Context, ev events.Event, handler string, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = r.hub
	}
	hub = hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("event_type", string(ev.Type))
		scope.SetTag("handler", handler)
		scope.SetContext("event", sentry.Context{
			"id":          ev.ID,
			"causationId": ev.CausationID,
			"sourceId":    ev.SourceID,
			"locations":   ev.LocationIDs,
		})
		hub.CaptureException(err)
	})
}
