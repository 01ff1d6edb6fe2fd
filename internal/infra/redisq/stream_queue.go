package redisq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"transferq/internal/domain"
	"transferq/internal/metrics"
	"transferq/internal/ports"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ ports.WorkQueue = (*StreamQueue)(nil)

const bodyField = "body"

// StreamQueue reads a Redis stream through a durable consumer group.
// Entries are acknowledged as soon as they are read, so Touch has nothing
// to extend and Reject publishes the body again.
type StreamQueue struct {
	s      *Session
	opts   Options
	groups sync.Map // stream key -> struct{}
	loops
}

func NewStreamQueue(s *Session, opts Options) (*StreamQueue, error) {
	if err := s.Acquire(); err != nil {
		return nil, err
	}
	return &StreamQueue{s: s, opts: opts.withDefaults()}, nil
}

func (q *StreamQueue) Backend() string { return "stream" }

func (q *StreamQueue) Close() error {
	q.Stop()
	return q.s.Release()
}

// ensureGroup creates the stream and consumer group if not exists. The
// group starts at the beginning so entries published before the first
// subscriber are still delivered.
func (q *StreamQueue) ensureGroup(ctx context.Context, stream string) error {
	if _, ok := q.groups.Load(stream); ok {
		return nil
	}
	err := q.s.Client().XGroupCreateMkStream(ctx, stream, q.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return wrapErr("failed to create consumer group", err)
	}
	q.groups.Store(stream, struct{}{})
	return nil
}

func (q *StreamQueue) Push(ctx context.Context, scope, subject string, body []byte, opts ...ports.PushOption) (string, error) {
	if err := validQueue(scope, subject); err != nil {
		return "", err
	}
	o := ports.CollectPushOptions(opts...)
	if o.Delay > 0 {
		log.Ctx(ctx).Warn().
			Str("subject", subject).
			Dur("delay", o.Delay).
			Msg("stream backend has no delayed delivery, publishing immediately")
	}
	stream := q.s.streamKey(scope, subject)
	if o.IdempotencyKey != "" {
		keys := []string{q.s.dedupKey(scope, subject, o.IdempotencyKey), stream, q.s.streamRegistry(scope)}
		id, err := dedupPublishScript.Run(ctx, q.s.Client(), keys, q.opts.DedupWindow.Milliseconds(), body, subject).Text()
		if errors.Is(err, redis.Nil) {
			metrics.Observe(q.Backend(), "push_duplicate", nil)
			return "", fmt.Errorf("publish %s/%s key %q: %w", scope, subject, o.IdempotencyKey, domain.ErrDuplicateDelivery)
		}
		metrics.Observe(q.Backend(), "push", err)
		if err != nil {
			return "", wrapErr("stream push", err)
		}
		return id, nil
	}

	var add *redis.StringCmd
	_, err := q.s.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{bodyField: body},
		})
		p.SAdd(ctx, q.s.streamRegistry(scope), subject)
		return nil
	})
	metrics.Observe(q.Backend(), "push", err)
	if err != nil {
		return "", wrapErr("stream push", err)
	}
	return add.Val(), nil
}

// read fetches up to count entries for the group and acknowledges them
// immediately. Entries left pending longer than ClaimIdle, for instance
// because their ack never reached the server, are claimed before new ones
// are read. A negative block makes the read non-blocking.
func (q *StreamQueue) read(ctx context.Context, scope, subject string, count int64, block time.Duration) ([]ports.Message, error) {
	if err := validQueue(scope, subject); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}
	stream := q.s.streamKey(scope, subject)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}
	entries, err := q.claimStale(ctx, stream, count)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		res, err := q.s.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			Streams:  []string{stream, ">"},
			Count:    count,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, wrapErr("stream read", err)
		}
		for _, xs := range res {
			entries = append(entries, xs.Messages...)
		}
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, len(entries))
	for i, m := range entries {
		ids[i] = m.ID
	}
	// The entries are already delivered to us; a cancelled ctx must not
	// leave them pending.
	if err := q.s.Client().XAck(context.WithoutCancel(ctx), stream, q.opts.Group, ids...).Err(); err != nil {
		return nil, wrapErr("stream ack", err)
	}
	msgs := make([]ports.Message, 0, len(entries))
	for _, m := range entries {
		body, err := fieldBytes(m.Values[bodyField])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, ports.Message{ID: m.ID, Body: body})
	}
	return msgs, nil
}

// claimStale takes over up to count entries that were delivered to any
// member of the group but not acknowledged within ClaimIdle.
func (q *StreamQueue) claimStale(ctx context.Context, stream string, count int64) ([]redis.XMessage, error) {
	entries, _, err := q.s.Client().XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		MinIdle:  q.opts.ClaimIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr("stream claim", err)
	}
	if len(entries) > 0 {
		log.Ctx(ctx).Warn().Str("stream", stream).Int("entries", len(entries)).Msg("claimed unacknowledged stream entries")
	}
	return entries, nil
}

func fieldBytes(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case nil:
		return nil, fmt.Errorf("%w: stream entry has no %s field", domain.ErrProtocol, bodyField)
	default:
		return nil, fmt.Errorf("%w: unexpected body type: %T", domain.ErrProtocol, v)
	}
}

// Pop reads one entry without blocking and removes it from the stream.
func (q *StreamQueue) Pop(ctx context.Context, scope, subject string) (*ports.Message, error) {
	msgs, err := q.PopN(ctx, scope, subject, 1)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

func (q *StreamQueue) PopN(ctx context.Context, scope, subject string, n int) ([]ports.Message, error) {
	msgs, err := q.read(ctx, scope, subject, int64(n), -1)
	if err == nil && len(msgs) > 0 {
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		err = wrapErr("stream pop", q.s.Client().XDel(ctx, q.s.streamKey(scope, subject), ids...).Err())
	}
	metrics.Observe(q.Backend(), "pop", err)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (q *StreamQueue) Reserve(ctx context.Context, scope, subject string, timeout time.Duration) (*ports.Message, error) {
	block := timeout
	if block <= 0 {
		block = -1
	}
	msgs, err := q.read(ctx, scope, subject, 1, block)
	metrics.Observe(q.Backend(), "reserve", err)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("reserve %s/%s after %s: %w", scope, subject, timeout, domain.ErrTimeout)
	}
	return &msgs[0], nil
}

// Touch is a no-op: entries are acknowledged on receipt.
func (q *StreamQueue) Touch(ctx context.Context, scope, subject, id string) (bool, error) {
	return true, nil
}

func (q *StreamQueue) Delete(ctx context.Context, scope, subject, id string) error {
	if err := validQueue(scope, subject); err != nil {
		return err
	}
	err := q.s.Client().XDel(ctx, q.s.streamKey(scope, subject), id).Err()
	metrics.Observe(q.Backend(), "delete", err)
	return wrapErr("stream delete", err)
}

// Reject appends body as a new entry and drops the old one.
func (q *StreamQueue) Reject(ctx context.Context, scope, subject, id string, body []byte) error {
	if err := validQueue(scope, subject); err != nil {
		return err
	}
	stream := q.s.streamKey(scope, subject)
	_, err := q.s.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{bodyField: body},
		})
		p.XDel(ctx, stream, id)
		return nil
	})
	metrics.Observe(q.Backend(), "reject", err)
	return wrapErr("stream reject", err)
}

func (q *StreamQueue) Listen(ctx context.Context, scope, subject string, handle ports.MessageHandler) error {
	return q.listen(ctx, q, q.opts, scope, subject, nil, handle)
}

func (q *StreamQueue) ListenUntil(ctx context.Context, scope, subject string, stop <-chan struct{}, handle ports.MessageHandler) error {
	return q.listen(ctx, q, q.opts, scope, subject, stop, handle)
}

func (q *StreamQueue) ListQueueNames(ctx context.Context, scope string) ([]string, error) {
	if err := validName("scope", scope); err != nil {
		return nil, err
	}
	names, err := q.s.Client().SMembers(ctx, q.s.streamRegistry(scope)).Result()
	if err != nil {
		return nil, wrapErr("stream list queues", err)
	}
	slices.Sort(names)
	return names, nil
}

func (q *StreamQueue) ListQueues(ctx context.Context, scope string) ([]ports.QueueInfo, error) {
	names, err := q.ListQueueNames(ctx, scope)
	if err != nil {
		return nil, err
	}
	lens := make([]*redis.IntCmd, len(names))
	_, err = q.s.Client().Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, name := range names {
			lens[i] = p.XLen(ctx, q.s.streamKey(scope, name))
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("stream queue stats", err)
	}
	out := make([]ports.QueueInfo, len(names))
	for i, name := range names {
		out[i] = ports.QueueInfo{Name: name, Ready: lens[i].Val()}
	}
	return out, nil
}

func (q *StreamQueue) QueueExist(ctx context.Context, scope, name string) (bool, error) {
	if err := validQueue(scope, name); err != nil {
		return false, err
	}
	ok, err := q.s.Client().SIsMember(ctx, q.s.streamRegistry(scope), name).Result()
	return ok, wrapErr("stream queue exist", err)
}

func (q *StreamQueue) FindQueueMatching(ctx context.Context, scope, pattern string) ([]string, error) {
	names, err := q.ListQueueNames(ctx, scope)
	if err != nil {
		return nil, err
	}
	return matchNames(names, pattern)
}

func (q *StreamQueue) MessageExist(ctx context.Context, scope, subject, id string) (bool, error) {
	if err := validQueue(scope, subject); err != nil {
		return false, err
	}
	res, err := q.s.Client().XRangeN(ctx, q.s.streamKey(scope, subject), id, id, 1).Result()
	if err != nil {
		return false, wrapErr("stream message exist", err)
	}
	return len(res) > 0, nil
}
