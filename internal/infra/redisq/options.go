package redisq

import (
	"fmt"
	"time"
	"transferq/internal/clock"
	"transferq/internal/config"
	"transferq/internal/ports"
)

// Options configures both backends. Fields a backend has no use for are
// ignored by it.
type Options struct {
	// TTR is the lease length handed out by the lease queue.
	TTR            time.Duration
	PollInterval   time.Duration
	ReserveTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration

	// Group is the durable consumer (consumer group) of the stream backend
	// and Consumer the member name within it.
	Group       string
	Consumer    string
	DedupWindow time.Duration
	// ClaimIdle is how long a stream entry may sit delivered but
	// unacknowledged before a reader claims it again.
	ClaimIdle time.Duration

	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.TTR <= 0 {
		o.TTR = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.ReserveTimeout <= 0 {
		o.ReserveTimeout = 5 * time.Second
	}
	if o.Group == "" {
		o.Group = "transfer-listeners"
	}
	if o.Consumer == "" {
		o.Consumer = "listener-1"
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 2 * time.Minute
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = o.TTR
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	return o
}

func OptionsFromConfig(q config.Queue, l config.Listener) Options {
	return Options{
		TTR:            q.LeaseTTR,
		PollInterval:   q.PollInterval,
		ReserveTimeout: q.ReserveTimeout,
		BaseBackoff:    l.BaseBackoff,
		MaxBackoff:     l.MaxBackoff,
		Group:          q.ConsumerGroup,
		Consumer:       q.ConsumerName,
		DedupWindow:    q.DedupWindow,
		ClaimIdle:      q.ClaimIdle,
	}
}

// New picks the backend once; nothing downstream checks the kind again.
func New(kind string, s *Session, opts Options) (ports.WorkQueue, error) {
	switch kind {
	case config.BackendLease:
		return NewLeaseQueue(s, opts)
	case config.BackendStream:
		return NewStreamQueue(s, opts)
	}
	return nil, fmt.Errorf("redisq: unknown backend %q", kind)
}
