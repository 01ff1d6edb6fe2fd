package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"
	"transferq/internal/clock"
	"transferq/internal/domain"
	"transferq/internal/metrics"
	"transferq/internal/ports"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// TransferHandler applies lifecycle events to the transfer task tree.
// Every transition is idempotent by target status, so redelivered and
// out-of-order events are dropped without side effects.
type TransferHandler struct {
	Store     ports.TransferTaskStore
	Notifier  ports.Notifier
	Systems   ports.SystemChecker
	Publisher *Publisher
	Clock     clock.Clock

	DefaultTenant      string
	MaxConflictRetries int
}

// Handle is a ports.MessageHandler.
func (h *TransferHandler) Handle(ctx context.Context, msg ports.Message) error {
	ev, err := domain.DecodeEvent(msg.Body)
	if err != nil {
		return err
	}
	if ev.TenantID == "" {
		ev.TenantID = h.DefaultTenant
	}
	tc := domain.Tenancy{TenantID: ev.TenantID, Username: ev.Owner}
	logger := log.Ctx(ctx).With().
		Str("uuid", ev.UUID).
		Str("tenant_id", ev.TenantID).
		Str("event", string(ev.Type)).
		Str("message_id", msg.ID).
		Logger()
	ctx = logger.WithContext(ctx)

	if ev.Type == domain.EventCancelled {
		return h.cancel(ctx, tc, ev)
	}

	var lastErr error
	for range h.MaxConflictRetries + 1 {
		err := h.apply(ctx, tc, ev)
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
		metrics.ConcurrencyConflicts.Inc()
		logger.Debug().Err(err).Msg("version conflict, re-reading task")
		lastErr = err
	}
	return lastErr
}

func (h *TransferHandler) now() clock.Clock {
	if h.Clock == nil {
		return clock.Real{}
	}
	return h.Clock
}

func (h *TransferHandler) apply(ctx context.Context, tc domain.Tenancy, ev domain.Event) error {
	logger := log.Ctx(ctx)
	now := h.now().Now()

	t, err := h.Store.GetByID(ctx, tc, ev.UUID)
	if errors.Is(err, domain.ErrNotFound) {
		if ev.Type != domain.EventCreated {
			return fmt.Errorf("%w: %s for unknown transfer task %s", domain.ErrBusinessValidation, ev.Type, ev.UUID)
		}
		return h.create(ctx, tc, ev, now)
	}
	if err != nil {
		return err
	}
	if ev.Type == domain.EventCreated {
		logger.Debug().Msg("transfer task already exists")
		return nil
	}

	prev := t.Status
	target, hasTarget := ev.Type.TargetStatus()
	if hasTarget && !domain.CanTransition(t.Status, target) {
		hasTarget = false
		logger.Debug().Str("status", string(t.Status)).Msg("transition not applicable, ignoring")
	}
	if hasTarget && target == domain.StatusAssigned && h.Systems != nil {
		for _, endpoint := range []string{t.Source, t.Dest} {
			if err := h.Systems.Available(ctx, tc, endpoint); err != nil {
				return err
			}
		}
	}
	if hasTarget && target == domain.StatusCompleted {
		done, err := h.descendantsTerminal(ctx, tc, t)
		if err != nil {
			return err
		}
		if !done {
			hasTarget = false
			logger.Info().Msg("children still active, completion deferred")
		}
	}

	changed := t.ApplyProgress(ev, now)
	if hasTarget && t.SetStatus(target, now) {
		changed = true
	}
	if !changed {
		return nil
	}
	if err := h.Store.Update(ctx, tc, t); err != nil {
		return err
	}
	if t.Status == prev {
		return nil
	}

	metrics.TaskTransitions.WithLabelValues(string(t.Status)).Inc()
	logger.Info().
		Str("from", string(prev)).
		Str("to", string(t.Status)).
		Int64("version", t.Version).
		Msg("transfer task transitioned")
	if t.Status.Terminal() {
		h.finish(ctx, tc, t)
	}
	return nil
}

// create stores the task named by a created event. A child arriving after
// its parent was cancelled is born cancelled; a parent that completed or
// failed no longer accepts children.
func (h *TransferHandler) create(ctx context.Context, tc domain.Tenancy, ev domain.Event, now time.Time) error {
	logger := log.Ctx(ctx)
	nt := ev.NewTask(now)
	if !nt.IsRoot() {
		parent, err := h.Store.GetByID(ctx, tc, nt.ParentTask)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: parent %s of %s not found", domain.ErrBusinessValidation, nt.ParentTask, nt.UUID)
		}
		if err != nil {
			return err
		}
		switch parent.Status {
		case domain.StatusCancelled:
			nt.SetStatus(domain.StatusCancelled, now)
		case domain.StatusCompleted, domain.StatusFailed:
			return fmt.Errorf("%w: parent %s of %s is %s", domain.ErrBusinessValidation, parent.UUID, nt.UUID, parent.Status)
		}
	}

	err := h.Store.Create(ctx, tc, &nt)
	if errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("created %s raced another writer: %w", ev.UUID, domain.ErrConcurrencyConflict)
	}
	if err != nil {
		return err
	}
	metrics.TaskTransitions.WithLabelValues(string(nt.Status)).Inc()
	logger.Info().
		Str("source", nt.Source).
		Str("dest", nt.Dest).
		Str("parent", nt.ParentTask).
		Str("status", string(nt.Status)).
		Msg("transfer task created")
	if nt.Status.Terminal() {
		h.notify(ctx, &nt)
		return nil
	}
	if !nt.IsRoot() {
		h.followParentCancel(ctx, tc, &nt)
	}
	return nil
}

// followParentCancel cancels t when its parent was cancelled between the
// parent read and the insert, since that cascade could not see t yet.
func (h *TransferHandler) followParentCancel(ctx context.Context, tc domain.Tenancy, t *domain.TransferTask) {
	parent, err := h.Store.GetByID(ctx, tc, t.ParentTask)
	if err != nil || parent.Status != domain.StatusCancelled {
		return
	}
	cancelled, err := h.Store.SetTransferTaskCancelledWhereNotCompleted(ctx, tc, t.UUID)
	for i := range cancelled {
		metrics.TaskTransitions.WithLabelValues(string(domain.StatusCancelled)).Inc()
		h.notify(ctx, &cancelled[i])
	}
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("parent", t.ParentTask).Msg("late child of cancelled parent not cancelled")
	}
}

// descendantsTerminal reports whether every task below t is terminal.
func (h *TransferHandler) descendantsTerminal(ctx context.Context, tc domain.Tenancy, t *domain.TransferTask) (bool, error) {
	tree, err := h.Store.GetTransferTaskTree(ctx, tc, t.UUID)
	if err != nil {
		return false, err
	}
	for _, d := range tree {
		if d.UUID != t.UUID && !d.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

func (h *TransferHandler) cancel(ctx context.Context, tc domain.Tenancy, ev domain.Event) error {
	cancelled, err := h.Store.SetTransferTaskCancelledWhereNotCompleted(ctx, tc, ev.UUID)
	for i := range cancelled {
		metrics.TaskTransitions.WithLabelValues(string(domain.StatusCancelled)).Inc()
		h.notify(ctx, &cancelled[i])
	}
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: cancel for unknown transfer task %s", domain.ErrBusinessValidation, ev.UUID)
	}
	if err != nil {
		return err
	}
	log.Ctx(ctx).Info().Int("cancelled", len(cancelled)).Msg("cancellation cascaded")

	target, err := h.Store.GetByID(ctx, tc, ev.UUID)
	if err != nil {
		return err
	}
	h.rollup(ctx, tc, target)
	return nil
}

func (h *TransferHandler) finish(ctx context.Context, tc domain.Tenancy, t *domain.TransferTask) {
	log.Ctx(ctx).Info().
		Str("status", string(t.Status)).
		Str("transferred", humanize.Bytes(uint64(max(t.BytesTransferred, 0)))).
		Str("rate", humanize.Bytes(uint64(t.TransferRate(h.now().Now())))+"/s").
		Int("attempts", t.Attempts).
		Msg("transfer task finished")
	h.notify(ctx, t)
	h.rollup(ctx, tc, t)
}

func (h *TransferHandler) notify(ctx context.Context, t *domain.TransferTask) {
	if h.Notifier == nil {
		return
	}
	h.Notifier.Notify(ctx, domain.NewEvent(*t, domain.EventForStatus(t.Status)))
}

// rollup publishes the parent's terminal event once the last of its
// descendants has finished: completed when they all completed or were
// cancelled, failed otherwise.
func (h *TransferHandler) rollup(ctx context.Context, tc domain.Tenancy, child *domain.TransferTask) {
	if child.IsRoot() || h.Publisher == nil {
		return
	}
	logger := log.Ctx(ctx).With().Str("parent", child.ParentTask).Logger()
	parent, err := h.Store.GetByID(ctx, tc, child.ParentTask)
	if err != nil {
		logger.Warn().Err(err).Msg("roll-up skipped, parent not readable")
		return
	}
	if parent.Status.Terminal() {
		return
	}
	tree, err := h.Store.GetTransferTaskTree(ctx, tc, parent.UUID)
	if err != nil {
		logger.Warn().Err(err).Msg("roll-up skipped, tree not readable")
		return
	}
	outcome := domain.EventCompleted
	for _, d := range tree {
		if d.UUID == parent.UUID {
			continue
		}
		if !d.Status.Terminal() {
			return
		}
		if !d.Status.CancelledOrCompleted() {
			outcome = domain.EventFailed
		}
	}
	ev := domain.NewEvent(*parent, outcome)
	key := parent.UUID + ":rollup:" + string(outcome)
	if _, err := h.Publisher.Publish(ctx, ev, ports.WithIdempotencyKey(key)); err != nil {
		logger.Warn().Err(err).Msg("roll-up event not published")
		return
	}
	logger.Info().Str("outcome", string(outcome)).Msg("children finished, parent roll-up published")
}
