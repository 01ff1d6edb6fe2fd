package redisq

import (
	"context"
	"fmt"
	"slices"
	"time"
	"transferq/internal/clock"
	"transferq/internal/domain"
	"transferq/internal/metrics"
	"transferq/internal/ports"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ ports.WorkQueue = (*LeaseQueue)(nil)

const promoteBatch = 128

// LeaseQueue keeps jobs in a ready list, a delayed ZSET and a reserved
// ZSET scored by lease deadline. A reserved job is redelivered once its
// lease runs out unless it is touched, deleted or rejected first.
type LeaseQueue struct {
	s    *Session
	opts Options
	clk  clock.Clock
	loops
}

func NewLeaseQueue(s *Session, opts Options) (*LeaseQueue, error) {
	if err := s.Acquire(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &LeaseQueue{s: s, opts: opts, clk: opts.Clock}, nil
}

func (q *LeaseQueue) Backend() string { return "lease" }

func (q *LeaseQueue) Close() error {
	q.Stop()
	return q.s.Release()
}

func (q *LeaseQueue) Push(ctx context.Context, scope, subject string, body []byte, opts ...ports.PushOption) (string, error) {
	if err := validQueue(scope, subject); err != nil {
		return "", err
	}
	o := ports.CollectPushOptions(opts...)
	k := q.s.leaseKeys(scope, subject)
	id := uuid.NewString()
	_, err := q.s.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k.jobs, id, body)
		if o.Delay > 0 {
			visibleAt := q.clk.Now().Add(o.Delay).UnixMilli()
			p.ZAdd(ctx, k.delayed, redis.Z{Score: float64(visibleAt), Member: id})
		} else {
			p.LPush(ctx, k.ready, id)
		}
		p.SAdd(ctx, k.registry, subject)
		return nil
	})
	metrics.Observe(q.Backend(), "push", err)
	if err != nil {
		return "", wrapErr("lease push", err)
	}
	return id, nil
}

// promote moves due delayed jobs and expired leases back to ready.
func (q *LeaseQueue) promote(ctx context.Context, k leaseKeys) (int64, error) {
	now := q.clk.Now().UnixMilli()
	n, err := promoteScript.Run(ctx, q.s.Client(), []string{k.ready, k.delayed, k.reserved}, now, promoteBatch).Int64()
	if err != nil {
		return 0, wrapErr("lease promote", err)
	}
	return n, nil
}

func (q *LeaseQueue) take(ctx context.Context, scope, subject string, n int, consume bool) ([]ports.Message, error) {
	if err := validQueue(scope, subject); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	k := q.s.leaseKeys(scope, subject)
	if _, err := q.promote(ctx, k); err != nil {
		return nil, err
	}
	flag := "0"
	if consume {
		flag = "1"
	}
	deadline := q.clk.Now().Add(q.opts.TTR).UnixMilli()
	res, err := takeScript.Run(ctx, q.s.Client(), []string{k.ready, k.reserved, k.jobs}, deadline, flag, n).StringSlice()
	if err != nil {
		return nil, wrapErr("lease take", err)
	}
	msgs := make([]ports.Message, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		msgs = append(msgs, ports.Message{ID: res[i], Body: []byte(res[i+1])})
	}
	return msgs, nil
}

func (q *LeaseQueue) Pop(ctx context.Context, scope, subject string) (*ports.Message, error) {
	msgs, err := q.take(ctx, scope, subject, 1, true)
	metrics.Observe(q.Backend(), "pop", err)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

func (q *LeaseQueue) PopN(ctx context.Context, scope, subject string, n int) ([]ports.Message, error) {
	msgs, err := q.take(ctx, scope, subject, n, true)
	metrics.Observe(q.Backend(), "pop", err)
	return msgs, err
}

// Reserve leases one job for TTR, polling until timeout elapses.
func (q *LeaseQueue) Reserve(ctx context.Context, scope, subject string, timeout time.Duration) (*ports.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		msgs, err := q.take(ctx, scope, subject, 1, false)
		if err != nil {
			metrics.Observe(q.Backend(), "reserve", err)
			return nil, err
		}
		if len(msgs) > 0 {
			metrics.Observe(q.Backend(), "reserve", nil)
			return &msgs[0], nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("reserve %s/%s after %s: %w", scope, subject, timeout, domain.ErrTimeout)
		}
		t := time.NewTimer(min(q.opts.PollInterval, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Touch pushes the lease deadline out to now+TTR. It never shortens a
// lease and reports false when the job is not reserved.
func (q *LeaseQueue) Touch(ctx context.Context, scope, subject, id string) (bool, error) {
	if err := validQueue(scope, subject); err != nil {
		return false, err
	}
	k := q.s.leaseKeys(scope, subject)
	deadline := q.clk.Now().Add(q.opts.TTR).UnixMilli()
	n, err := touchScript.Run(ctx, q.s.Client(), []string{k.reserved}, id, deadline).Int64()
	metrics.Observe(q.Backend(), "touch", err)
	if err != nil {
		return false, wrapErr("lease touch", err)
	}
	return n == 1, nil
}

func (q *LeaseQueue) Delete(ctx context.Context, scope, subject, id string) error {
	if err := validQueue(scope, subject); err != nil {
		return err
	}
	k := q.s.leaseKeys(scope, subject)
	_, err := q.s.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, k.jobs, id)
		p.ZRem(ctx, k.reserved, id)
		p.ZRem(ctx, k.delayed, id)
		p.LRem(ctx, k.ready, 0, id)
		return nil
	})
	metrics.Observe(q.Backend(), "delete", err)
	return wrapErr("lease delete", err)
}

// Reject releases the lease and puts the job at the head of the ready
// list with body as its new payload. A job that is no longer reserved was
// redelivered or deleted after the lease ran out and is left alone.
func (q *LeaseQueue) Reject(ctx context.Context, scope, subject, id string, body []byte) error {
	if err := validQueue(scope, subject); err != nil {
		return err
	}
	k := q.s.leaseKeys(scope, subject)
	n, err := rejectScript.Run(ctx, q.s.Client(), []string{k.reserved, k.ready, k.jobs}, id, body).Int64()
	if err == nil && n == 0 {
		log.Ctx(ctx).Debug().Str("subject", subject).Str("message_id", id).Msg("reject ignored, job no longer reserved")
		metrics.Observe(q.Backend(), "reject_stale", nil)
		return nil
	}
	metrics.Observe(q.Backend(), "reject", err)
	return wrapErr("lease reject", err)
}

func (q *LeaseQueue) Listen(ctx context.Context, scope, subject string, handle ports.MessageHandler) error {
	return q.listen(ctx, q, q.opts, scope, subject, nil, handle)
}

func (q *LeaseQueue) ListenUntil(ctx context.Context, scope, subject string, stop <-chan struct{}, handle ports.MessageHandler) error {
	return q.listen(ctx, q, q.opts, scope, subject, stop, handle)
}

func (q *LeaseQueue) ListQueueNames(ctx context.Context, scope string) ([]string, error) {
	if err := validName("scope", scope); err != nil {
		return nil, err
	}
	names, err := q.s.Client().SMembers(ctx, q.s.leaseRegistry(scope)).Result()
	if err != nil {
		return nil, wrapErr("lease list queues", err)
	}
	slices.Sort(names)
	return names, nil
}

func (q *LeaseQueue) ListQueues(ctx context.Context, scope string) ([]ports.QueueInfo, error) {
	names, err := q.ListQueueNames(ctx, scope)
	if err != nil {
		return nil, err
	}
	type counts struct{ ready, delayed, reserved *redis.IntCmd }
	cmds := make([]counts, len(names))
	_, err = q.s.Client().Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, name := range names {
			k := q.s.leaseKeys(scope, name)
			cmds[i] = counts{
				ready:    p.LLen(ctx, k.ready),
				delayed:  p.ZCard(ctx, k.delayed),
				reserved: p.ZCard(ctx, k.reserved),
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("lease queue stats", err)
	}
	out := make([]ports.QueueInfo, len(names))
	for i, name := range names {
		out[i] = ports.QueueInfo{
			Name:     name,
			Ready:    cmds[i].ready.Val(),
			Delayed:  cmds[i].delayed.Val(),
			Reserved: cmds[i].reserved.Val(),
		}
	}
	return out, nil
}

func (q *LeaseQueue) QueueExist(ctx context.Context, scope, name string) (bool, error) {
	if err := validQueue(scope, name); err != nil {
		return false, err
	}
	ok, err := q.s.Client().SIsMember(ctx, q.s.leaseRegistry(scope), name).Result()
	return ok, wrapErr("lease queue exist", err)
}

func (q *LeaseQueue) FindQueueMatching(ctx context.Context, scope, pattern string) ([]string, error) {
	names, err := q.ListQueueNames(ctx, scope)
	if err != nil {
		return nil, err
	}
	return matchNames(names, pattern)
}

func (q *LeaseQueue) MessageExist(ctx context.Context, scope, subject, id string) (bool, error) {
	if err := validQueue(scope, subject); err != nil {
		return false, err
	}
	ok, err := q.s.Client().HExists(ctx, q.s.leaseKeys(scope, subject).jobs, id).Result()
	return ok, wrapErr("lease message exist", err)
}
