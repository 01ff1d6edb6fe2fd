package usecase

import (
	"context"
	"sync"
	"testing"
	"time"
	"transferq/internal/clock"
	"transferq/internal/domain"
	"transferq/internal/infra/redisq"
	"transferq/internal/infra/taskstore"
	"transferq/internal/ports"
	"transferq/internal/systems"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	scope   = "transfers"
	subject = "transfertask.lifecycle"
)

var acme = domain.Tenancy{TenantID: "acme", Username: "alice"}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Notify(ctx context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() map[string]domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]domain.EventType{}
	for _, ev := range r.events {
		out[ev.UUID] = ev.Type
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	clk     *clock.Manual
	queue   ports.WorkQueue
	store   *taskstore.Store
	pub     *Publisher
	handler *TransferHandler
	notes   *recorder
}

func newFixture(t *testing.T, backend string) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	s := redisq.NewSessionFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	clk := clock.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	q, err := redisq.New(backend, s, redisq.Options{
		PollInterval:   5 * time.Millisecond,
		ReserveTimeout: 50 * time.Millisecond,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Clock:          clk,
	})
	require.NoError(t, err)
	st, err := taskstore.New(s, clk)
	require.NoError(t, err)
	require.NoError(t, s.Release())
	t.Cleanup(func() {
		_ = q.Close()
		_ = st.Close()
	})

	pub := &Publisher{Q: q, Scope: scope, Subject: subject, Clock: clk}
	notes := &recorder{}
	return &fixture{
		clk:   clk,
		queue: q,
		store: st,
		pub:   pub,
		notes: notes,
		handler: &TransferHandler{
			Store:              st,
			Notifier:           notes,
			Systems:            systems.NewStatic([]string{"sftp://down.example.com"}),
			Publisher:          pub,
			Clock:              clk,
			DefaultTenant:      "acme",
			MaxConflictRetries: 5,
		},
	}
}

func (f *fixture) deliver(t *testing.T, ev domain.Event) error {
	t.Helper()
	if ev.TenantID == "" {
		ev.TenantID = acme.TenantID
	}
	body, err := ev.Encode()
	require.NoError(t, err)
	return f.handler.Handle(context.Background(), ports.Message{ID: "m-" + ev.UUID, Body: body})
}

func (f *fixture) create(t *testing.T, id, parent string) {
	t.Helper()
	require.NoError(t, f.deliver(t, domain.Event{
		Type:       domain.EventCreated,
		UUID:       id,
		Owner:      "alice",
		Source:     "proto://a/" + id,
		Dest:       "proto://b/" + id,
		ParentTask: parent,
	}))
}

func (f *fixture) task(t *testing.T, id string) *domain.TransferTask {
	t.Helper()
	task, err := f.store.GetByID(context.Background(), acme, id)
	require.NoError(t, err)
	return task
}

// drain hands every queued lifecycle event to the handler.
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		msg, err := f.queue.Pop(context.Background(), scope, subject)
		require.NoError(t, err)
		if msg == nil {
			return n
		}
		require.NoError(t, f.handler.Handle(context.Background(), *msg))
		n++
	}
}
