package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"transferq/internal/ports"

	"github.com/rs/zerolog/log"
)

// ErrListenerUsed is returned when Run is called on a listener that already
// ran. A stopped listener is not restarted; build a new one.
var ErrListenerUsed = errors.New("listener already ran")

const (
	stateStopped int32 = iota
	stateRunning
	stateFinished
)

// Listener serves one (scope, subject) pair by driving Handle from the
// queue's listen loop.
type Listener struct {
	Q       ports.WorkQueue
	Scope   string
	Subject string
	Handle  ports.MessageHandler

	state    atomic.Int32
	initStop sync.Once
	stopOnce sync.Once
	stop     chan struct{}
}

func (l *Listener) stopCh() chan struct{} {
	l.initStop.Do(func() { l.stop = make(chan struct{}) })
	return l.stop
}

func (l *Listener) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(stateStopped, stateRunning) {
		return ErrListenerUsed
	}
	defer l.state.Store(stateFinished)

	err := l.Q.ListenUntil(ctx, l.Scope, l.Subject, l.stopCh(), l.Handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Ctx(ctx).Error().Err(err).Str("subject", l.Subject).Msg("listener terminated")
	}
	return err
}

// Stop asks this listener's loop to exit after the message in hand. Other
// listeners on the same queue keep running. It may be called from any
// goroutine.
func (l *Listener) Stop() {
	ch := l.stopCh()
	l.stopOnce.Do(func() { close(ch) })
}

func (l *Listener) Running() bool { return l.state.Load() == stateRunning }

func (l *Listener) State() string {
	if l.Running() {
		return "RUNNING"
	}
	return "STOPPED"
}
