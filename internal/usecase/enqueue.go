package usecase

import (
	"context"
	"errors"
	"fmt"
	"transferq/internal/clock"
	"transferq/internal/domain"
	"transferq/internal/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Publisher puts lifecycle events on the lifecycle subject. It is used by
// the HTTP surface and by the runtime itself for decomposition and parent
// roll-ups.
type Publisher struct {
	Q       ports.WorkQueue
	Scope   string
	Subject string
	Clock   clock.Clock
}

func (p *Publisher) now() clock.Clock {
	if p.Clock == nil {
		return clock.Real{}
	}
	return p.Clock
}

// Publish sends ev. A duplicate reported by the backend counts as success.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event, opts ...ports.PushOption) (string, error) {
	body, err := ev.Encode()
	if err != nil {
		return "", fmt.Errorf("%w: encode %s: %v", domain.ErrProtocol, ev.Type, err)
	}
	id, err := p.Q.Push(ctx, p.Scope, p.Subject, body, opts...)
	if errors.Is(err, domain.ErrDuplicateDelivery) {
		log.Ctx(ctx).Debug().Str("uuid", ev.UUID).Str("event", string(ev.Type)).Msg("duplicate publish ignored")
		return "", nil
	}
	return id, err
}

type SubmitRequest struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

// Submit assigns a uuid to a new root transfer and publishes its created
// event.
func (p *Publisher) Submit(ctx context.Context, tc domain.Tenancy, req SubmitRequest) (domain.Event, error) {
	if err := tc.Validate(); err != nil {
		return domain.Event{}, err
	}
	if req.Source == "" || req.Dest == "" {
		return domain.Event{}, fmt.Errorf("%w: source and dest are required", domain.ErrBusinessValidation)
	}
	id := uuid.NewString()
	created := p.now().Now()
	ev := domain.Event{
		Type:     domain.EventCreated,
		UUID:     id,
		TenantID: tc.TenantID,
		Owner:    tc.Username,
		Source:   req.Source,
		Dest:     req.Dest,
		Created:  &created,
		RootTask: id,
	}
	if _, err := p.Publish(ctx, ev, ports.WithIdempotencyKey(id+":created")); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// Cancel publishes a cancellation for uuid; the handler cascades it.
func (p *Publisher) Cancel(ctx context.Context, tc domain.Tenancy, id string) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	ev := domain.Event{Type: domain.EventCancelled, UUID: id, TenantID: tc.TenantID, Owner: tc.Username}
	_, err := p.Publish(ctx, ev, ports.WithIdempotencyKey(id+":cancelled"))
	return err
}

// Item is one entry of an expanded container transfer.
type Item struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
	Size   int64  `json:"size"`
}

// Decompose publishes a created event per item, each linked to parent and
// to parent's root. It returns the child uuids in item order.
func (p *Publisher) Decompose(ctx context.Context, parent domain.TransferTask, items []Item) ([]string, error) {
	if parent.Status.Terminal() {
		return nil, fmt.Errorf("%w: parent %s is %s", domain.ErrBusinessValidation, parent.UUID, parent.Status)
	}
	root := parent.RootID()
	ids := make([]string, 0, len(items))
	for _, it := range items {
		id := uuid.NewString()
		created := p.now().Now()
		ev := domain.Event{
			Type:       domain.EventCreated,
			UUID:       id,
			TenantID:   parent.TenantID,
			Owner:      parent.Owner,
			Source:     it.Source,
			Dest:       it.Dest,
			TotalSize:  it.Size,
			TotalFiles: 1,
			Created:    &created,
			ParentTask: parent.UUID,
			RootTask:   root,
		}
		if _, err := p.Publish(ctx, ev, ports.WithIdempotencyKey(id+":created")); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
