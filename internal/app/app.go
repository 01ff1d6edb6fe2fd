// Package app assembles the broker session, queue backend and task store
// shared by the api and worker commands.
package app

import (
	"context"
	"errors"
	"transferq/internal/clock"
	"transferq/internal/config"
	"transferq/internal/infra/redisq"
	"transferq/internal/infra/taskstore"
	"transferq/internal/notify"
	"transferq/internal/ports"
	"transferq/internal/systems"
	"transferq/internal/usecase"
)

type App struct {
	Cfg       *config.Config
	Session   *redisq.Session
	Queue     ports.WorkQueue
	Store     *taskstore.Store
	Publisher *usecase.Publisher
	Clock     clock.Clock
}

// Open connects to Redis and builds the configured backend. The session is
// released once both the queue and the store are closed.
func Open(ctx context.Context, cfg *config.Config, clk clock.Clock) (*App, error) {
	s := redisq.NewSession(cfg.Redis)
	if err := s.Connect(ctx); err != nil {
		_ = s.Release()
		return nil, err
	}
	return build(cfg, s, clk)
}

func build(cfg *config.Config, s *redisq.Session, clk clock.Clock) (*App, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	opts := redisq.OptionsFromConfig(cfg.Queue, cfg.Listener)
	opts.Clock = clk
	q, err := redisq.New(cfg.Queue.Backend, s, opts)
	if err != nil {
		_ = s.Release()
		return nil, err
	}
	st, err := taskstore.New(s, clk)
	if err != nil {
		_ = q.Close()
		_ = s.Release()
		return nil, err
	}
	// the queue and store hold their own handles now
	if err := s.Release(); err != nil {
		return nil, err
	}
	return &App{
		Cfg:     cfg,
		Session: s,
		Queue:   q,
		Store:   st,
		Publisher: &usecase.Publisher{
			Q:       q,
			Scope:   cfg.Queue.Scope,
			Subject: cfg.Queue.Subject,
			Clock:   clk,
		},
		Clock: clk,
	}, nil
}

// Handler builds the lifecycle event handler with log and queue
// notifications and the static system checker.
func (a *App) Handler() *usecase.TransferHandler {
	return &usecase.TransferHandler{
		Store: a.Store,
		Notifier: notify.Multi{
			notify.LogNotifier{},
			&notify.QueueNotifier{Q: a.Queue, Scope: a.Cfg.Queue.Scope, Subject: a.Cfg.Queue.NotificationSubject},
		},
		Systems:            systems.NewStatic(a.Cfg.Systems.Unavailable),
		Publisher:          a.Publisher,
		Clock:              a.Clock,
		DefaultTenant:      a.Cfg.Listener.DefaultTenant,
		MaxConflictRetries: a.Cfg.Listener.MaxConflictRetries,
	}
}

// Scheduler is nil for backends that have no delayed or leased state.
func (a *App) Scheduler() ports.Scheduler {
	lq, ok := a.Queue.(*redisq.LeaseQueue)
	if !ok {
		return nil
	}
	return redisq.NewScheduler(lq, a.Cfg.Queue.Scope, a.Cfg.Queue.SchedulerInterval)
}

func (a *App) Close() error {
	return errors.Join(a.Queue.Close(), a.Store.Close())
}
