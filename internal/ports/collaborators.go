package ports

import (
	"context"
	"transferq/internal/domain"
)

// Notifier receives terminal lifecycle events. Calls are fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, ev domain.Event)
}

// SystemChecker resolves whether an endpoint can be used right now. It
// returns an error wrapping domain.ErrUnavailable when it cannot.
type SystemChecker interface {
	Available(ctx context.Context, tc domain.Tenancy, endpoint string) error
}
