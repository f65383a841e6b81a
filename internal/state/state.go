// Package state implements the connection lifecycle states, the
// side-effect-free transition table between them, and the per-state task
// runner that performs each state's entry side effects.
package state

import (
	"fmt"
	"log/slog"

	"github.com/vpnkit/connector/internal/capability"
	"github.com/vpnkit/connector/internal/event"
)

// Kind names one of the five lifecycle states.
type Kind int

const (
	Disconnected Kind = iota
	Connecting
	Connected
	Disconnecting
	Error
)

// String renders the kind the way STATE_CHANGED log lines do.
func (k Kind) String() string {
	switch k {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// State is a tagged lifecycle state plus its context: the connection it
// concerns, the event that produced it (if any), and a pending
// reconnection handle queued while Disconnecting.
//
// State is used as a pointer throughout so that the Disconnecting+Up
// tie-break (which only updates the queued reconnection) can mutate the
// current instance in place and return the same pointer, distinguishing
// it from a true no-op self-transition (which also returns the same
// pointer, but never mutates anything and always logs a warning).
type State struct {
	kind         Kind
	connection   capability.Connection
	cause        *event.Event
	reconnection capability.Connection
}

// New constructs a state directly; used by the Connector when restoring
// from persistence and by tests building fixtures.
func New(kind Kind, conn capability.Connection) *State {
	return &State{kind: kind, connection: conn}
}

// Kind reports the state's tag.
func (s *State) Kind() Kind { return s.kind }

// Connection reports the state's connection, or nil for the empty boot
// state.
func (s *State) Connection() capability.Connection { return s.connection }

// Cause reports the event that produced this state, if any.
func (s *State) Cause() *event.Event { return s.cause }

// Reconnection reports the queued replacement connection, if any.
func (s *State) Reconnection() capability.Connection { return s.reconnection }

// ConcurrentConnectionsError is the fatal programming error raised when a
// non-Up event arrives tagged with a connection other than the one the
// current state concerns.
type ConcurrentConnectionsError struct {
	State     Kind
	Expected  capability.ConnectionId
	Got       capability.ConnectionId
	EventKind event.Kind
}

func (e *ConcurrentConnectionsError) Error() string {
	return fmt.Sprintf("connector: concurrent connections: state %s expected connection %q for event %s, got %q",
		e.State, e.Expected, e.EventKind, e.Got)
}

func connID(c capability.Connection) capability.ConnectionId {
	if c == nil {
		return ""
	}
	return c.ID()
}

// checkGuard enforces the single-ongoing-connection rule: every non-Up
// event must carry the same connection reference as the current state's
// connection. Up is always
// exempt, since Up is precisely how a new (or queued-replacement)
// connection enters the machine.
func (s *State) checkGuard(e event.Event) error {
	if e.Kind == event.Up {
		return nil
	}
	if connID(e.Connection) != connID(s.connection) {
		return &ConcurrentConnectionsError{
			State:     s.kind,
			Expected:  connID(s.connection),
			Got:       connID(e.Connection),
			EventKind: e.Kind,
		}
	}
	return nil
}

// noop logs the required WARN record and returns the same state pointer,
// unmutated, per the "no-op self-transition" tie-break.
func (s *State) noop(e event.Event) (*State, error) {
	slog.Warn("received unexpected event",
		"category", "CONN", "subcategory", "DISPATCH",
		"state", s.kind.String(), "event", e.Kind.String())
	return s, nil
}

// OnEvent is the pure transition function, augmented with the
// concurrent-connection guard. It never performs I/O; any
// logging here is for observability of the dispatch decision itself, not
// a side effect the table's determinism depends on.
func (s *State) OnEvent(e event.Event) (*State, error) {
	if err := s.checkGuard(e); err != nil {
		return nil, err
	}

	switch s.kind {
	case Disconnected:
		if e.Kind == event.Up {
			return &State{kind: Connecting, connection: e.Connection, cause: &e}, nil
		}
		return s.noop(e)

	case Connecting:
		switch e.Kind {
		case event.Up:
			return &State{kind: Disconnecting, connection: s.connection, reconnection: e.Connection, cause: &e}, nil
		case event.Down:
			return &State{kind: Disconnecting, connection: s.connection, cause: &e}, nil
		case event.Connected:
			return &State{kind: Connected, connection: e.Connection, cause: &e}, nil
		case event.Disconnected:
			return &State{kind: Disconnected, connection: e.Connection, cause: &e}, nil
		default: // Error group
			return &State{kind: Error, connection: e.Connection, cause: &e}, nil
		}

	case Connected:
		switch e.Kind {
		case event.Up:
			return &State{kind: Disconnecting, connection: s.connection, reconnection: e.Connection, cause: &e}, nil
		case event.Down:
			return &State{kind: Disconnecting, connection: s.connection, cause: &e}, nil
		case event.Connected:
			return s.noop(e)
		case event.Disconnected:
			return &State{kind: Disconnected, connection: e.Connection, cause: &e}, nil
		default: // Error group
			return &State{kind: Error, connection: e.Connection, cause: &e}, nil
		}

	case Disconnecting:
		switch e.Kind {
		case event.Up:
			// Tie-break: queue the replacement in place, no state change,
			// no warning. This is the one mutating "no-op".
			s.reconnection = e.Connection
			return s, nil
		case event.Down, event.Connected:
			return s.noop(e)
		case event.Disconnected:
			return &State{kind: Disconnected, connection: e.Connection, reconnection: s.reconnection, cause: &e}, nil
		default: // Error group: treated as a successful disconnect either way.
			return &State{kind: Disconnected, connection: e.Connection, reconnection: s.reconnection, cause: &e}, nil
		}

	case Error:
		switch e.Kind {
		case event.Up:
			return &State{kind: Connecting, connection: e.Connection, cause: &e}, nil
		case event.Down:
			return &State{kind: Disconnected, connection: e.Connection, cause: &e}, nil
		case event.Connected, event.Disconnected:
			return s.noop(e)
		default: // Error group
			return &State{kind: Error, connection: e.Connection, cause: &e}, nil
		}
	}

	return s.noop(e)
}
