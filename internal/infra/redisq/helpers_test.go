package redisq

import (
	"testing"
	"time"
	"transferq/internal/clock"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	testScope   = "transfers"
	testSubject = "transfertask.lifecycle"
)

func newTestSession(t *testing.T) (*Session, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewSessionFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { _ = s.Release() })
	return s, mr
}

func testOptions(clk clock.Clock) Options {
	return Options{
		TTR:            30 * time.Second,
		PollInterval:   10 * time.Millisecond,
		ReserveTimeout: 50 * time.Millisecond,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Clock:          clk,
	}
}

func newLease(t *testing.T) (*LeaseQueue, *clock.Manual) {
	t.Helper()
	s, _ := newTestSession(t)
	clk := clock.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	q, err := NewLeaseQueue(s, testOptions(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, clk
}

func newStream(t *testing.T) *StreamQueue {
	t.Helper()
	s, _ := newTestSession(t)
	q, err := NewStreamQueue(s, testOptions(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}
