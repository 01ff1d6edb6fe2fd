package worker

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"
	"transferq/internal/app"
	"transferq/internal/config"
	"transferq/internal/usecase"

	"github.com/rs/zerolog/log"
)

// Config carries command line overrides on top of the environment.
type Config struct {
	ConsumerName string
	Backend      string
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (c Config) apply(appCfg *config.Config) {
	if c.ConsumerName != "" {
		appCfg.Queue.ConsumerName = c.ConsumerName
	}
	if c.Backend != "" {
		appCfg.Queue.Backend = c.Backend
	}
	if c.BaseBackoff > 0 {
		appCfg.Listener.BaseBackoff = c.BaseBackoff
	}
	if c.MaxBackoff > 0 {
		appCfg.Listener.MaxBackoff = c.MaxBackoff
	}
}

func Run(cfg Config) error {
	appCfg := config.Load()
	cfg.apply(appCfg)
	if err := appCfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.With().
		Str("backend", appCfg.Queue.Backend).
		Str("consumer", appCfg.Queue.ConsumerName).
		Logger()
	ctx = logger.WithContext(ctx)

	a, err := app.Open(ctx, appCfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("closing queue and store")
		}
	}()

	// Run scheduler
	if sched := a.Scheduler(); sched != nil {
		go func() {
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Ctx(ctx).Error().Err(err).Msg("scheduler stopped with error")
			}
		}()
	}

	listener := &usecase.Listener{
		Q:       a.Queue,
		Scope:   appCfg.Queue.Scope,
		Subject: appCfg.Queue.Subject,
		Handle:  a.Handler().Handle,
	}
	go func() {
		<-ctx.Done()
		listener.Stop()
	}()

	err = listener.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
