package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when an endpoint cannot bind or reach its peer.
	ErrConnection = errors.New("connection failed")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("channel closed")
)

// TransientError is a non-fatal failure inside a receive or send loop. Loops
// log and count it, then carry on.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}
