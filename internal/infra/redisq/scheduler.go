package redisq

import (
	"context"
	"time"
	"transferq/internal/ports"

	"github.com/rs/zerolog/log"
)

var _ ports.Scheduler = (*Scheduler)(nil)

// Scheduler promotes due delayed jobs and expired leases for every subject
// of a scope, so queue stats stay accurate while no consumer is reserving.
type Scheduler struct {
	Q        *LeaseQueue
	Scope    string
	Interval time.Duration
}

func NewScheduler(q *LeaseQueue, scope string, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{Q: q, Scope: scope, Interval: interval}
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.moveDue(ctx); err != nil {
			log.Ctx(ctx).Err(err).Str("scope", s.Scope).Msg("scheduler pass failed")
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) moveDue(ctx context.Context) (int64, error) {
	names, err := s.Q.ListQueueNames(ctx, s.Scope)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, name := range names {
		n, err := s.Q.promote(ctx, s.Q.s.leaseKeys(s.Scope, name))
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		log.Ctx(ctx).Debug().Str("scope", s.Scope).Int64("moved", total).Msg("promoted due jobs")
	}
	return total, nil
}
