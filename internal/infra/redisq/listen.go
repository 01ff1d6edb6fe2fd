package redisq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"transferq/internal/domain"
	"transferq/internal/metrics"
	"transferq/internal/ports"
	"transferq/pkg/backoff"

	"github.com/rs/zerolog/log"
)

// reserver is the part of a backend the listen loop drives.
type reserver interface {
	Reserve(ctx context.Context, scope, subject string, timeout time.Duration) (*ports.Message, error)
	Delete(ctx context.Context, scope, subject, id string) error
	Reject(ctx context.Context, scope, subject, id string, body []byte) error
	Backend() string
}

// stopper ends one listen loop. Stop is safe to call from any goroutine
// and more than once.
type stopper struct {
	once sync.Once
	ch   chan struct{}
}

func newStopper() *stopper { return &stopper{ch: make(chan struct{})} }

func (s *stopper) Stop() { s.once.Do(func() { close(s.ch) }) }

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// loops tracks the listen loops running on one queue. Stop reaches the
// loops running at the time of the call; loops started afterwards get a
// fresh stopper.
type loops struct {
	mu     sync.Mutex
	active map[*stopper]struct{}
}

func (l *loops) register() *stopper {
	s := newStopper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		l.active = make(map[*stopper]struct{})
	}
	l.active[s] = struct{}{}
	return s
}

func (l *loops) unregister(s *stopper) {
	l.mu.Lock()
	delete(l.active, s)
	l.mu.Unlock()
	s.Stop()
}

// Stop ends every listen loop currently running on the queue.
func (l *loops) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for s := range l.active {
		s.Stop()
	}
}

func (l *loops) running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// listen runs a loop that ends when stop closes, when the queue's Stop is
// called, or on a terminal handler error. A nil stop only reacts to Stop.
func (l *loops) listen(ctx context.Context, q reserver, opts Options, scope, subject string, stop <-chan struct{}, handle ports.MessageHandler) error {
	s := l.register()
	defer l.unregister(s)
	if stop != nil {
		go func() {
			select {
			case <-stop:
				s.Stop()
			case <-s.ch:
			}
		}()
	}
	return listenLoop{
		q:              q,
		stop:           s.ch,
		reserveTimeout: opts.ReserveTimeout,
		baseBackoff:    opts.BaseBackoff,
		maxBackoff:     opts.MaxBackoff,
	}.run(ctx, scope, subject, handle)
}

type listenLoop struct {
	q              reserver
	stop           <-chan struct{}
	reserveTimeout time.Duration
	baseBackoff    time.Duration
	maxBackoff     time.Duration
}

// run reserves messages until stopped. Handlers run on ctx, not on the
// reserve context, so Stop lets in-flight work finish. Only transport
// failures and unclassified errors end the loop with an error.
func (l listenLoop) run(ctx context.Context, scope, subject string, handle ports.MessageHandler) error {
	if err := validQueue(scope, subject); err != nil {
		return err
	}
	reserveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stop:
			cancel()
		case <-reserveCtx.Done():
		}
	}()

	logger := log.Ctx(ctx).With().Str("backend", l.q.Backend()).Str("scope", scope).Str("subject", subject).Logger()
	logger.Info().Msg("listening")
	rejects := 0
	for {
		if closed(l.stop) {
			logger.Info().Msg("listener stopped")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := l.q.Reserve(reserveCtx, scope, subject, l.reserveTimeout)
		if err != nil {
			if errors.Is(err, domain.ErrTimeout) {
				continue
			}
			if reserveCtx.Err() != nil {
				continue
			}
			return fmt.Errorf("listen %s/%s: %w", scope, subject, err)
		}

		herr := safeHandle(ctx, handle, *msg)
		disp := domain.DispositionOf(herr)
		metrics.ListenerMessages.WithLabelValues(subject, disp.String()).Inc()
		switch disp {
		case domain.DispositionDelete:
			if herr != nil {
				logger.Warn().Err(herr).Str("message_id", msg.ID).Msg("dropping message")
			}
			if err := l.q.Delete(ctx, scope, subject, msg.ID); err != nil {
				return fmt.Errorf("listen %s/%s: delete %s: %w", scope, subject, msg.ID, err)
			}
			rejects = 0
		case domain.DispositionReject:
			logger.Info().Err(herr).Str("message_id", msg.ID).Msg("rejecting message for redelivery")
			if err := l.q.Reject(ctx, scope, subject, msg.ID, msg.Body); err != nil {
				return fmt.Errorf("listen %s/%s: reject %s: %w", scope, subject, msg.ID, err)
			}
			rejects++
			l.pause(reserveCtx, backoff.ExponentialJitter(l.baseBackoff, l.maxBackoff, rejects))
		default:
			logger.Error().Err(herr).Str("message_id", msg.ID).Msg("listener stopping on handler failure")
			return fmt.Errorf("listen %s/%s: %w", scope, subject, herr)
		}
	}
}

func (l listenLoop) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func safeHandle(ctx context.Context, handle ports.MessageHandler, msg ports.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on message %s: %v", msg.ID, r)
		}
	}()
	return handle(ctx, msg)
}
