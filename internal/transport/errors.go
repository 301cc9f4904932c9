package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned when the channel is not open, has failed, or the
// session was disconnected while an operation was in flight.
var ErrClosed = errors.New("transport closed")

// TimeoutError indicates that no complete frame arrived before the deadline.
// The bytes received so far are kept as leftover for the next read.
type TimeoutError struct {
	Op       string
	Timeout  time.Duration
	Buffered int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timeout after %v (%d bytes buffered)", e.Op, e.Timeout, e.Buffered)
}

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// UnknownLineError is returned for a control line name other than RTS or DTR.
type UnknownLineError struct {
	Line Line
}

func (e *UnknownLineError) Error() string {
	return fmt.Sprintf("unknown control line %q", string(e.Line))
}
