package rcon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Sentinel errors wrapped by [Error].
var (
	// ErrAuthFailed means the server rejected the password.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrProtocol means a frame violated the wire format or arrived out of
	// sequence.
	ErrProtocol = errors.New("protocol violation")

	// ErrNotConnected is returned by Command before Connect succeeds or
	// after the session was dropped.
	ErrNotConnected = errors.New("not connected")

	// ErrCommandTooLong is returned for commands the server would truncate.
	ErrCommandTooLong = errors.New("command too long")
)

// Kind classifies transport failures so callers can treat them uniformly.
type Kind int

const (
	KindUnexpected Kind = iota
	KindTimeout
	KindRefused
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRefused:
		return "refused"
	case KindProtocol:
		return "protocol"
	default:
		return "unexpected"
	}
}

// Error wraps a failure with the operation and address it occurred on.
type Error struct {
	Kind Kind
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("rcon %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("rcon %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or KindUnexpected when err is not an
// [*Error].
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnexpected
}

func wrap(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Addr: addr, Err: err}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnexpected
}
