package ports

import (
	"context"
	"time"
)

// Message is what every backend hands out. ID is a backend-specific token
// and has nothing to do with a transfer task uuid.
type Message struct {
	ID   string `json:"id"`
	Body []byte `json:"body"`
}

type PushOptions struct {
	// Delay is best effort; backends without delayed visibility publish
	// immediately.
	Delay time.Duration
	// IdempotencyKey lets backends with publish-time deduplication reject a
	// repeated publish with domain.ErrDuplicateDelivery.
	IdempotencyKey string
}

type PushOption func(*PushOptions)

func WithDelay(d time.Duration) PushOption {
	return func(o *PushOptions) { o.Delay = d }
}

func WithIdempotencyKey(key string) PushOption {
	return func(o *PushOptions) { o.IdempotencyKey = key }
}

func CollectPushOptions(opts ...PushOption) PushOptions {
	var o PushOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// MessageHandler processes one message inside Listen. The returned error is
// classified with domain.DispositionOf.
type MessageHandler func(ctx context.Context, msg Message) error

type QueueInfo struct {
	Name     string `json:"name"`
	Ready    int64  `json:"ready"`
	Delayed  int64  `json:"delayed"`
	Reserved int64  `json:"reserved"`
}

// WorkQueue is the contract shared by the lease queue and the stream
// consumer. Callers must not branch on the concrete backend.
type WorkQueue interface {
	Push(ctx context.Context, scope, subject string, body []byte, opts ...PushOption) (string, error)
	// Pop removes and returns one message, or nil when none is ready.
	Pop(ctx context.Context, scope, subject string) (*Message, error)
	PopN(ctx context.Context, scope, subject string, n int) ([]Message, error)
	// Reserve blocks up to timeout and fails with domain.ErrTimeout.
	Reserve(ctx context.Context, scope, subject string, timeout time.Duration) (*Message, error)
	Touch(ctx context.Context, scope, subject, id string) (bool, error)
	Delete(ctx context.Context, scope, subject, id string) error
	Reject(ctx context.Context, scope, subject, id string, body []byte) error
	// Listen serves subject until Stop, ctx cancellation or a handler error
	// that ends the loop.
	Listen(ctx context.Context, scope, subject string, handle MessageHandler) error
	// ListenUntil is Listen that also returns once stop is closed.
	ListenUntil(ctx context.Context, scope, subject string, stop <-chan struct{}, handle MessageHandler) error
	// Stop ends the listen loops running at the time of the call. Later
	// calls to Listen are unaffected.
	Stop()

	ListQueues(ctx context.Context, scope string) ([]QueueInfo, error)
	ListQueueNames(ctx context.Context, scope string) ([]string, error)
	QueueExist(ctx context.Context, scope, name string) (bool, error)
	FindQueueMatching(ctx context.Context, scope, pattern string) ([]string, error)
	MessageExist(ctx context.Context, scope, subject, id string) (bool, error)

	Backend() string
	// Close stops listening and releases the broker session handle.
	Close() error
}

type Scheduler interface {
	// moves due delayed jobs and expired leases back to ready
	Run(ctx context.Context) error
}
