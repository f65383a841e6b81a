// Package capability defines the contract the connection engine requires
// from any transport backend, along with the data entities that cross that
// boundary (server descriptors, credentials, settings, persisted parameters,
// and the event/connection pair backends hand back to the engine).
//
// A backend author never imports the engine's dispatch machinery; it only
// needs to satisfy Connection and register a factory under a tag.
package capability

import "context"

// ConnectionId is an opaque identifier assigned per session.
type ConnectionId string

// KillSwitchSetting controls how aggressively the kill switch blocks
// non-tunnel traffic.
type KillSwitchSetting int

const (
	// KillSwitchOff disables the kill switch entirely.
	KillSwitchOff KillSwitchSetting = iota
	// KillSwitchOn enables the kill switch but allows it to be lifted by a
	// clean disconnect.
	KillSwitchOn
	// KillSwitchPermanent enables the kill switch and keeps it enabled even
	// across a clean disconnect.
	KillSwitchPermanent
)

// String renders the setting the way it is serialized in persisted records
// and configuration.
func (k KillSwitchSetting) String() string {
	switch k {
	case KillSwitchOff:
		return "OFF"
	case KillSwitchOn:
		return "ON"
	case KillSwitchPermanent:
		return "PERMANENT"
	default:
		return "UNKNOWN"
	}
}

// ServerDescriptor identifies the remote endpoint a Connection was built
// against. It is immutable for the lifetime of a Connection.
type ServerDescriptor struct {
	ServerID           string
	ServerName         string
	Label              string
	IP                 string
	VerificationDomain string
	WireGuardPeerKey   string
	TCPPorts           []int
	UDPPorts           []int
}

// Credentials carries whichever authentication material the requested
// protocol needs. At least one of the two variants must be populated.
type Credentials struct {
	Username string
	Password string

	ClientCertificatePEM string
	WireGuardPrivateKey  string
	OpenVPNPrivateKey    string
}

// Features carries protocol feature toggles, mirrored verbatim onto
// whichever backend is selected.
type Features struct {
	NetshieldLevel int
	VPNAccelerator bool
	PortForwarding bool
	ModerateNAT    bool
}

// Settings carries optional overrides for a connection attempt.
type Settings struct {
	DNSCustomIPs      []string
	SplitTunnelingIPs []string
	IPv6Enabled       bool
	KillSwitch        KillSwitchSetting
	Features          Features
}

// PersistedParameters is the minimal record needed to resume a connection
// across a process restart.
type PersistedParameters struct {
	ConnectionID ConnectionId
	BackendTag   string
	ProtocolTag  string
	ServerID     string
	ServerName   string
	KillSwitch   KillSwitchSetting
}

// RestoredState is what a backend tells the engine to resume in after
// inspecting a persisted record, without either side depending on the
// engine's own state package (that would be a cyclic import: the state
// package needs Connection, and Connection.InitialState needs to name a
// state to resume in).
type RestoredState int

const (
	// RestoredDisconnected means the backend found no live tunnel matching
	// the persisted record.
	RestoredDisconnected RestoredState = iota
	// RestoredConnected means the backend still observes a live tunnel.
	RestoredConnected
)

// EventKind is the closed set of events a backend may report back to the
// engine. DeviceDisconnected, Timeout, AuthDenied, TunnelSetupFailed and
// UnexpectedError form the Error group (see IsError).
type EventKind int

const (
	Up EventKind = iota
	Down
	Connected
	Disconnected
	DeviceDisconnected
	Timeout
	AuthDenied
	TunnelSetupFailed
	UnexpectedError
)

// String names the event kind for logging.
func (k EventKind) String() string {
	switch k {
	case Up:
		return "Up"
	case Down:
		return "Down"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case DeviceDisconnected:
		return "DeviceDisconnected"
	case Timeout:
		return "Timeout"
	case AuthDenied:
		return "AuthDenied"
	case TunnelSetupFailed:
		return "TunnelSetupFailed"
	case UnexpectedError:
		return "UnexpectedError"
	default:
		return "Unknown"
	}
}

// IsError reports whether this kind belongs to the Error group.
func (k EventKind) IsError() bool {
	switch k {
	case DeviceDisconnected, Timeout, AuthDenied, TunnelSetupFailed, UnexpectedError:
		return true
	default:
		return false
	}
}

// Event is a single tagged notification flowing from a backend (or the
// public API) into the dispatcher.
type Event struct {
	Kind       EventKind
	Connection Connection
	Err        error
}

// EventCallback is the sink a Connection invokes to report events back to
// whoever registered on it (normally the Connector).
type EventCallback func(Event)

// Connection is the abstract contract the core requires from any backend.
// A concrete backend (OpenVPN process driver, WireGuard, NetworkManager,
// ...) implements this once and registers a factory under a tag; the core
// never imports backend packages.
type Connection interface {
	// Start begins tunnel bringup asynchronously and returns promptly. The
	// backend must eventually report Connected or an Error-group event via
	// the registered callback.
	Start(ctx context.Context) error
	// Stop begins tunnel teardown asynchronously and returns promptly. The
	// backend must eventually report Disconnected via the registered
	// callback.
	Stop(ctx context.Context) error

	Register(cb EventCallback)
	Unregister(cb EventCallback)

	EnableIPv6LeakProtection(ctx context.Context) error
	DisableIPv6LeakProtection(ctx context.Context) error

	// EnableKillSwitch arms the kill switch. A nil server enables full
	// mode; a non-nil server enables routed mode permitting that one
	// endpoint so tunnel bringup itself is not blocked.
	EnableKillSwitch(ctx context.Context, server *ServerDescriptor) error
	DisableKillSwitch(ctx context.Context) error

	AddPersistence(ctx context.Context) error
	RemovePersistence(ctx context.Context) error

	// InitialState reconstructs what the engine should resume in, given a
	// persisted record from a prior process.
	InitialState(ctx context.Context, params PersistedParameters) RestoredState

	ID() ConnectionId
	Server() *ServerDescriptor
	KillSwitchSetting() KillSwitchSetting
}

// Backend is the pair of class-level hooks the registry consults: priority
// breaks ties among backends that are all Validate()-able, and Validate
// reports whether this backend's runtime dependencies are present at all.
type Backend interface {
	Priority() int
	Validate() bool
}

// Factory builds a Connection for a given protocol tag, server, credentials
// and settings. Registered once per backend tag in the registry.
type Factory func(server ServerDescriptor, creds Credentials, settings Settings, protocolTag string) (Connection, error)
