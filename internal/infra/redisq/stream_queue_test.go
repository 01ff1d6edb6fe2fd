package redisq

import (
	"context"
	"testing"
	"time"
	"transferq/internal/domain"
	"transferq/internal/ports"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamPushPopRoundTrip(t *testing.T) {
	q := newStream(t)
	ctx := context.Background()

	id, err := q.Push(ctx, testScope, testSubject, []byte(`{"uuid":"T1"}`))
	require.NoError(t, err)

	msg, err := q.Pop(ctx, testScope, testSubject)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.JSONEq(t, `{"uuid":"T1"}`, string(msg.Body))

	ok, err := q.MessageExist(ctx, testScope, testSubject, id)
	require.NoError(t, err)
	assert.False(t, ok)

	msg, err = q.Pop(ctx, testScope, testSubject)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestStreamDeliversEntriesPublishedBeforeFirstRead(t *testing.T) {
	q := newStream(t)
	ctx := context.Background()

	for _, b := range []string{"a", "b", "c"} {
		_, err := q.Push(ctx, testScope, testSubject, []byte(b))
		require.NoError(t, err)
	}
	msgs, err := q.PopN(ctx, testScope, testSubject, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", string(msgs[0].Body))
	assert.Equal(t, "c", string(msgs[2].Body))
}

func TestStreamDuplicatePublishIsRejected(t *testing.T) {
	q := newStream(t)
	ctx := context.Background()
	body := []byte(`{"uuid":"T1","status":"transfertask.created"}`)

	first, err := q.Push(ctx, testScope, testSubject, body, ports.WithIdempotencyKey("T1:created"))
	require.NoError(t, err)
	require.NotEmpty(t, first)

	_, err = q.Push(ctx, testScope, testSubject, body, ports.WithIdempotencyKey("T1:created"))
	require.ErrorIs(t, err, domain.ErrDuplicateDelivery)

	_, err = q.Push(ctx, testScope, testSubject, body, ports.WithIdempotencyKey("T1:assigned"))
	require.NoError(t, err)

	infos, err := q.ListQueues(ctx, testScope)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, int64(2), infos[0].Ready)
}

func TestStreamDelayIsIgnored(t *testing.T) {
	q := newStream(t)
	ctx := context.Background()

	_, err := q.Push(ctx, testScope, testSubject, []byte("now"), ports.WithDelay(time.Hour))
	require.NoError(t, err)
	msg, err := q.Pop(ctx, testScope, testSubject)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "now", string(msg.Body))
}

func TestStreamReserveDeleteAndTouch(t *testing.T) {
	q := newStream(t)
	ctx := context.Background()

	id, err := q.Push(ctx, testScope, testSubject, []byte("job"))
	require.NoError(t, err)

	msg, err := q.Reserve(ctx, testScope, testSubject, time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)

	ok, err := q.Touch(ctx, testScope, testSubject, msg.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.MessageExist(ctx, testScope, testSubject, id)
	require.NoError(t, err)
	assert.True(t, ok, "reserve does not remove the entry")

	require.NoError(t, q.Delete(ctx, testScope, testSubject, msg.ID))
	ok, err = q.MessageExist(ctx, testScope, testSubject, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamRejectRepublishes(t *testing.T) {
	q := newStream(t)
	ctx := context.Background()

	_, err := q.Push(ctx, testScope, testSubject, []byte("v1"))
	require.NoError(t, err)
	msg, err := q.Reserve(ctx, testScope, testSubject, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Reject(ctx, testScope, testSubject, msg.ID, []byte("v2")))

	got, err := q.Pop(ctx, testScope, testSubject)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotEqual(t, msg.ID, got.ID)
	assert.Equal(t, "v2", string(got.Body))

	ok, err := q.MessageExist(ctx, testScope, testSubject, msg.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamReserveTimesOutOnEmptySubject(t *testing.T) {
	q := newStream(t)

	start := time.Now()
	msg, err := q.Reserve(context.Background(), testScope, "empty.subject", time.Second)
	elapsed := time.Since(start)

	assert.Nil(t, msg)
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestStreamIntrospection(t *testing.T) {
	q := newStream(t)
	ctx := context.Background()

	for _, subj := range []string{"transfers.alpha", "transfers.beta"} {
		_, err := q.Push(ctx, testScope, subj, []byte("x"))
		require.NoError(t, err)
	}

	names, err := q.ListQueueNames(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"transfers.alpha", "transfers.beta"}, names)

	ok, err := q.QueueExist(ctx, testScope, "transfers.alpha")
	require.NoError(t, err)
	assert.True(t, ok)

	matched, err := q.FindQueueMatching(ctx, testScope, `beta$`)
	require.NoError(t, err)
	assert.Equal(t, []string{"transfers.beta"}, matched)
}

func TestStreamReclaimsUnacknowledgedEntries(t *testing.T) {
	s, _ := newTestSession(t)
	opts := testOptions(nil)
	opts.ClaimIdle = 50 * time.Millisecond
	q, err := NewStreamQueue(s, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	ctx := context.Background()

	id, err := q.Push(ctx, testScope, testSubject, []byte("stuck"))
	require.NoError(t, err)
	stream := s.streamKey(testScope, testSubject)
	require.NoError(t, q.ensureGroup(ctx, stream))
	// Delivered to a member that never acknowledged it.
	_, err = s.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: "gone-1",
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	require.NoError(t, err)

	var got *ports.Message
	require.Eventually(t, func() bool {
		m, err := q.Pop(ctx, testScope, testSubject)
		if err != nil || m == nil {
			return false
		}
		got = m
		return true
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "stuck", string(got.Body))

	pending, err := s.Client().XPending(ctx, stream, q.opts.Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	got, err = q.Pop(ctx, testScope, testSubject)
	require.NoError(t, err)
	assert.Nil(t, got, "claimed entry is delivered once")
}

func TestNewSelectsBackend(t *testing.T) {
	s, _ := newTestSession(t)

	lq, err := New("lease", s, testOptions(nil))
	require.NoError(t, err)
	assert.Equal(t, "lease", lq.Backend())
	require.NoError(t, lq.Close())

	sq, err := New("stream", s, testOptions(nil))
	require.NoError(t, err)
	assert.Equal(t, "stream", sq.Backend())
	require.NoError(t, sq.Close())

	_, err = New("beanstalk", s, testOptions(nil))
	assert.Error(t, err)
}

func TestSessionClosesWithLastHandle(t *testing.T) {
	s, _ := newTestSession(t)
	q, err := NewLeaseQueue(s, testOptions(nil))
	require.NoError(t, err)

	require.NoError(t, s.Release())
	require.NoError(t, s.Client().Ping(context.Background()).Err(), "queue still holds a handle")

	require.NoError(t, q.Close())
	assert.Error(t, s.Client().Ping(context.Background()).Err())
	assert.Error(t, s.Acquire())
}
