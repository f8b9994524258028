package adapter

import (
	"errors"
	"fmt"
)

// Kind classifies a session-terminating or warn-and-continue failure per
// the daemon's error handling design: IO failures are the transport giving
// out, Protocol failures are malformed/out-of-contract wire messages,
// Adapter failures are the backend rejecting an otherwise well-formed
// request, and Capability failures are requests the negotiated backend
// never claimed to support.
type Kind int

const (
	KindIO Kind = iota
	KindProtocol
	KindAdapter
	KindCapability
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindAdapter:
		return "adapter"
	case KindCapability:
		return "capability"
	default:
		return "unknown"
	}
}

var (
	ErrProtocol   = errors.New("adapter: protocol violation")
	ErrAdapter    = errors.New("adapter: backend rejected request")
	ErrCapability = errors.New("adapter: capability not present")
)

// Error is a kind-classified, wrapped session failure.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("adapter[%s]: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("adapter[%s]: %s: %v", e.Kind, e.Detail, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func WrapProtocol(detail string) error {
	return &Error{Kind: KindProtocol, Detail: detail, Err: ErrProtocol}
}

func WrapAdapter(detail string, cause error) error {
	if cause == nil {
		cause = ErrAdapter
	}
	return &Error{Kind: KindAdapter, Detail: detail, Err: cause}
}

func WrapCapability(detail string) error {
	return &Error{Kind: KindCapability, Detail: detail, Err: ErrCapability}
}

func WrapIO(cause error) error {
	return &Error{Kind: KindIO, Err: cause}
}

// KindOf extracts the Kind of an *Error, defaulting to KindIO for anything
// else (transport errors bubble up as plain net/io errors, not *Error).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}
