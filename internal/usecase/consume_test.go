package usecase

import (
	"context"
	"testing"
	"time"
	"transferq/internal/domain"
	"transferq/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerRunsOnce(t *testing.T) {
	f := newFixture(t, "lease")
	l := &Listener{Q: f.queue, Scope: scope, Subject: subject, Handle: f.handler.Handle}
	assert.Equal(t, "STOPPED", l.State())

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	require.Eventually(t, l.Running, time.Second, 5*time.Millisecond)
	assert.Equal(t, "RUNNING", l.State())

	l.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.False(t, l.Running())
	assert.ErrorIs(t, l.Run(context.Background()), ErrListenerUsed)
}

func TestListenerDrivesHandlerEndToEnd(t *testing.T) {
	f := newFixture(t, "lease")
	ctx := context.Background()

	ev, err := f.pub.Submit(ctx, acme, SubmitRequest{Source: "proto://a/f", Dest: "proto://b/f"})
	require.NoError(t, err)
	_, err = f.pub.Publish(ctx, domain.Event{Type: domain.EventStarted, UUID: ev.UUID, TenantID: "acme"})
	require.NoError(t, err)
	_, err = f.pub.Publish(ctx, domain.Event{Type: domain.EventCompleted, UUID: ev.UUID, TenantID: "acme", BytesTransferred: 2048})
	require.NoError(t, err)
	_, err = f.queue.Push(ctx, scope, subject, []byte("garbage"))
	require.NoError(t, err)

	l := &Listener{Q: f.queue, Scope: scope, Subject: subject}
	seen := 0
	l.Handle = func(ctx context.Context, msg ports.Message) error {
		seen++
		if seen == 4 {
			l.Stop()
		}
		return f.handler.Handle(ctx, msg)
	}
	require.NoError(t, l.Run(ctx))

	got := f.task(t, ev.UUID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, int64(2048), got.BytesTransferred)

	infos, err := f.queue.ListQueues(ctx, scope)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, ports.QueueInfo{Name: subject}, infos[0], "every message was deleted")
}

func TestStoppedListenerIsReplacedByANewOne(t *testing.T) {
	f := newFixture(t, "lease")
	ctx := context.Background()

	first := &Listener{Q: f.queue, Scope: scope, Subject: subject, Handle: f.handler.Handle}
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()
	require.Eventually(t, first.Running, time.Second, 5*time.Millisecond)
	first.Stop()
	require.NoError(t, <-done)

	ev, err := f.pub.Submit(ctx, acme, SubmitRequest{Source: "proto://a/f", Dest: "proto://b/f"})
	require.NoError(t, err)

	second := &Listener{Q: f.queue, Scope: scope, Subject: subject}
	second.Handle = func(ctx context.Context, msg ports.Message) error {
		defer second.Stop()
		return f.handler.Handle(ctx, msg)
	}
	require.NoError(t, second.Run(ctx))
	assert.Equal(t, domain.StatusCreated, f.task(t, ev.UUID).Status)
}

func TestListenerStopLeavesOtherSubjectsRunning(t *testing.T) {
	f := newFixture(t, "stream")
	ctx := context.Background()

	lifecycle := &Listener{Q: f.queue, Scope: scope, Subject: subject, Handle: f.handler.Handle}
	other := &Listener{Q: f.queue, Scope: scope, Subject: "transfertask.audit", Handle: func(ctx context.Context, msg ports.Message) error { return nil }}
	doneLifecycle, doneOther := make(chan error, 1), make(chan error, 1)
	go func() { doneLifecycle <- lifecycle.Run(ctx) }()
	go func() { doneOther <- other.Run(ctx) }()
	require.Eventually(t, func() bool { return lifecycle.Running() && other.Running() }, time.Second, 5*time.Millisecond)

	other.Stop()
	require.NoError(t, <-doneOther)
	assert.True(t, lifecycle.Running())

	ev, err := f.pub.Submit(ctx, acme, SubmitRequest{Source: "proto://a/f", Dest: "proto://b/f"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := f.store.GetByID(ctx, acme, ev.UUID)
		return err == nil
	}, 3*time.Second, 5*time.Millisecond)

	lifecycle.Stop()
	require.NoError(t, <-doneLifecycle)
}
