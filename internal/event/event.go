// Package event gives the connection event taxonomy its own public
// face. The types themselves live in internal/capability, because a
// Connection's Register/Unregister callback signature has to carry an
// Event and capability.Connection has to carry a Connection reference:
// putting Event in its own package that capability depended on would make
// that a cyclic import. This package re-exports the same types under
// names that read as "event", plus the handful of constructors and
// predicates that belong to this component.
package event

import "github.com/vpnkit/connector/internal/capability"

// Kind is the closed set of event variants.
type Kind = capability.EventKind

// Event carries the event kind, the originating connection, and an
// optional error for the Error-group variants.
type Event = capability.Event

// Callback is the sink a Connection invokes to report events.
type Callback = capability.EventCallback

const (
	Up                 = capability.Up
	Down               = capability.Down
	Connected          = capability.Connected
	Disconnected       = capability.Disconnected
	DeviceDisconnected = capability.DeviceDisconnected
	Timeout            = capability.Timeout
	AuthDenied         = capability.AuthDenied
	TunnelSetupFailed  = capability.TunnelSetupFailed
	UnexpectedError    = capability.UnexpectedError
)

// New builds a non-error event.
func New(kind Kind, conn capability.Connection) Event {
	return Event{Kind: kind, Connection: conn}
}

// NewError builds an Error-group event carrying the originating cause.
func NewError(kind Kind, conn capability.Connection, err error) Event {
	return Event{Kind: kind, Connection: conn, Err: err}
}

// IsError reports whether e belongs to the Error group
// (DeviceDisconnected, Timeout, AuthDenied, TunnelSetupFailed,
// UnexpectedError).
func IsError(e Event) bool {
	return e.Kind.IsError()
}
