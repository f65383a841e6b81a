package connector

import (
	"errors"

	"github.com/vpnkit/connector/internal/state"
)

// ConcurrentConnectionsError is a fatal programming error: a non-Up event
// arrived carrying a connection other than the one the current state
// concerns. It indicates a backend is mis-wired, most likely invoking
// the registered callback for a connection it has already been told to
// stop using.
//
// The type is defined once, in internal/state (where the guard actually
// runs), and aliased here so public callers can errors.As against it
// without reaching into an internal package.
type ConcurrentConnectionsError = state.ConcurrentConnectionsError

// ErrDispatchRunaway is returned when a single dispatch invocation
// cascades through more than 99 follow-up events. It is a fatal
// programming error: a well-behaved state machine reaches quiescence in
// a handful of hops.
var ErrDispatchRunaway = errors.New("connector: dispatch runaway: cascaded events exceeded safety bound")
