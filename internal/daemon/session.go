package daemon

import (
	"fmt"

	"github.com/jtagd/jtagd/internal/adapter"
)

// Transport is the negotiated debug transport for a session.
type Transport uint8

const (
	TransportJTAG Transport = iota + 1
	TransportSWD
)

func (t Transport) String() string {
	switch t {
	case TransportJTAG:
		return "jtag"
	case TransportSWD:
		return "swd"
	default:
		return "unknown"
	}
}

// State is one state of the session state machine.
type State int

const (
	StateAwaitingServerHello State = iota
	StateAwaitingClientHello
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingServerHello:
		return "awaiting_server_hello"
	case StateAwaitingClientHello:
		return "awaiting_client_hello"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session tracks one connection's negotiated transport and lifecycle state.
type Session struct {
	state     State
	transport Transport
	adapter   adapter.Adapter
}

func newSession(a adapter.Adapter) *Session {
	return &Session{state: StateAwaitingServerHello, adapter: a}
}

// negotiateTransport honors the client's requested transport if the backend
// supports it. The session fails rather than substituting a different
// transport: a client that asks for SWD against a JTAG-only adapter gets a
// closed session, not JTAG it never asked for.
func (s *Session) negotiateTransport(requested Transport) (Transport, error) {
	switch requested {
	case TransportJTAG:
		if s.adapter.HasJTAG() {
			return TransportJTAG, nil
		}
	case TransportSWD:
		if s.adapter.SWD {
			return TransportSWD, nil
		}
	}
	return 0, fmt.Errorf("daemon: adapter does not support requested transport %s", requested)
}

// advanceToReady records the negotiated transport and moves the session to
// Ready once both halves of the handshake have completed.
func (s *Session) advanceToReady(t Transport) {
	s.transport = t
	s.state = StateReady
}

func (s *Session) close() {
	s.state = StateClosed
}
