package bbl

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrEncoding is returned when a packet field does not fit the wire layout.
var ErrEncoding = errors.New("bbl: encoding error")

// ErrInvalidParams is returned when connection parameters are incomplete.
var ErrInvalidParams = errors.New("bbl: invalid connection parameters")

// FrameError indicates a single malformed frame (short header, out-of-band size).
// The reader loop skips the frame and keeps the connection.
type FrameError struct {
	Msg string
}

func (e *FrameError) Error() string { return "bbl: frame: " + e.Msg }

// ConnectError wraps a TCP or TLS failure while talking to the printer.
type ConnectError struct {
	Addr string
	Op   string // "dial", "handshake", "send", "read"
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("bbl: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiry.
func (e *ConnectError) Timeout() bool {
	return isTimeout(e.Err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// AuthError indicates the printer closed the connection after receiving
// credentials, which is the protocol's only rejection signal.
type AuthError struct {
	Serial string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("bbl: auth rejected by %s (wrong access code?): %v", e.Serial, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
