package domain

import "errors"

var (
	// ErrTransport means the broker or store could not be reached.
	ErrTransport = errors.New("transport error")
	// ErrProtocol marks a malformed message body.
	ErrProtocol = errors.New("protocol error")
	// ErrDuplicateDelivery is reported by a backend when a publish collides
	// with an idempotency key it already accepted.
	ErrDuplicateDelivery = errors.New("duplicate delivery")
	// ErrConcurrencyConflict is an optimistic-lock version mismatch.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrBusinessValidation covers unknown events and references to tasks
	// that do not exist.
	ErrBusinessValidation = errors.New("business validation error")
	ErrTimeout            = errors.New("timed out")
	ErrNotImplemented     = errors.New("not implemented")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	// ErrUnavailable means an endpoint system is down or in maintenance.
	ErrUnavailable = errors.New("system unavailable")
)

// Disposition tells the listen loop what to do with a message once its
// handler returned.
type Disposition int

const (
	DispositionDelete Disposition = iota
	DispositionReject
	DispositionStop
)

func (d Disposition) String() string {
	switch d {
	case DispositionDelete:
		return "delete"
	case DispositionReject:
		return "reject"
	default:
		return "stop"
	}
}

// DispositionOf classifies a handler error. Business failures never stop
// the loop; anything unrecognised is treated as a transport failure.
func DispositionOf(err error) Disposition {
	switch {
	case err == nil:
		return DispositionDelete
	case errors.Is(err, ErrTransport):
		return DispositionStop
	case errors.Is(err, ErrProtocol),
		errors.Is(err, ErrBusinessValidation),
		errors.Is(err, ErrDuplicateDelivery),
		errors.Is(err, ErrNotFound):
		return DispositionDelete
	case errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrUnavailable):
		return DispositionReject
	}
	return DispositionStop
}
