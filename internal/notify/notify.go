// Package notify delivers terminal transfer task events to the outside.
package notify

import (
	"context"
	"errors"
	"transferq/internal/domain"
	"transferq/internal/ports"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

var (
	_ ports.Notifier = LogNotifier{}
	_ ports.Notifier = (*QueueNotifier)(nil)
	_ ports.Notifier = Multi(nil)
)

// LogNotifier writes terminal events to the context logger.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, ev domain.Event) {
	log.Ctx(ctx).Info().
		Str("uuid", ev.UUID).
		Str("tenant_id", ev.TenantID).
		Str("owner", ev.Owner).
		Str("event", string(ev.Type)).
		Str("transferred", humanize.Bytes(uint64(max(ev.BytesTransferred, 0)))).
		Msg("transfer task reached terminal state")
}

// QueueNotifier publishes terminal events on a notification subject for
// the webhook and email dispatchers.
type QueueNotifier struct {
	Q       ports.WorkQueue
	Scope   string
	Subject string
}

func (n *QueueNotifier) Notify(ctx context.Context, ev domain.Event) {
	body, err := ev.Encode()
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("uuid", ev.UUID).Msg("encode notification")
		return
	}
	key := ev.UUID + ":" + string(ev.Type)
	if _, err := n.Q.Push(ctx, n.Scope, n.Subject, body, ports.WithIdempotencyKey(key)); err != nil {
		if errors.Is(err, domain.ErrDuplicateDelivery) {
			return
		}
		log.Ctx(ctx).Warn().Err(err).Str("uuid", ev.UUID).Str("subject", n.Subject).Msg("notification not published")
	}
}

// Multi fans an event out to several notifiers.
type Multi []ports.Notifier

func (m Multi) Notify(ctx context.Context, ev domain.Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}
