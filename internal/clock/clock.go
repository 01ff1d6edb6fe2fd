package clock

import "time"

// Clock abstracts time so lease, delay and rate logic can be tested
// deterministically.
type Clock interface {
	Now() time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}
