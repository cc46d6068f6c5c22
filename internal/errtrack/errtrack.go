package errtrack

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// Tracker reports errors that are swallowed on the request path.
type Tracker interface {
	CaptureError(ctx context.Context, err error, tags map[string]string)
	Flush(timeout time.Duration)
}

type SentryTracker struct {
	hub *sentry.Hub
}

func NewSentry(dsn, environment string) (*SentryTracker, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, err
	}
	return &SentryTracker{hub: sentry.CurrentHub()}, nil
}

func (t *SentryTracker) CaptureError(ctx context.Context, err error, tags map[string]string) {
	hub := t.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
	})
	hub.CaptureException(err)
}

func (t *SentryTracker) Flush(timeout time.Duration) {
	t.hub.Flush(timeout)
}

type noopTracker struct{}

// Noop is used when error tracking is disabled.
func Noop() Tracker { return noopTracker{} }

func (noopTracker) CaptureError(ctx context.Context, err error, tags map[string]string) {}
func (noopTracker) Flush(timeout time.Duration)                                       {}
