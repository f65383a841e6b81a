// Package connector is a backend-agnostic VPN connection lifecycle
// engine. It owns the finite state machine, the event dispatcher, the
// per-state side-effect runner, crash-recovery persistence, and the
// subscriber fan-out described for a connection supervisor; it never
// itself opens a socket, manipulates a routing table, or parses a wire
// protocol. Those belong to a Connection implementation, registered with
// RegisterBackend.
package connector

import (
	"github.com/vpnkit/connector/internal/capability"
	"github.com/vpnkit/connector/internal/event"
	"github.com/vpnkit/connector/internal/state"
)

// Re-exported entity types, so callers only ever import this package
// and never reach into internal/*.
type (
	ConnectionId        = capability.ConnectionId
	ServerDescriptor    = capability.ServerDescriptor
	Credentials         = capability.Credentials
	Features            = capability.Features
	Settings            = capability.Settings
	PersistedParameters = capability.PersistedParameters
	KillSwitchSetting   = capability.KillSwitchSetting
	RestoredState       = capability.RestoredState
	Connection          = capability.Connection
	Factory             = capability.Factory
	Event               = event.Event
	EventKind           = event.Kind
	State               = state.State
	StateKind           = state.Kind
)

const (
	KillSwitchOff       = capability.KillSwitchOff
	KillSwitchOn        = capability.KillSwitchOn
	KillSwitchPermanent = capability.KillSwitchPermanent

	RestoredDisconnected = capability.RestoredDisconnected
	RestoredConnected    = capability.RestoredConnected

	Up                 = event.Up
	Down               = event.Down
	Connected          = event.Connected
	Disconnected       = event.Disconnected
	DeviceDisconnected = event.DeviceDisconnected
	Timeout            = event.Timeout
	AuthDenied         = event.AuthDenied
	TunnelSetupFailed  = event.TunnelSetupFailed
	UnexpectedError    = event.UnexpectedError

	StateDisconnected  = state.Disconnected
	StateConnecting    = state.Connecting
	StateConnected     = state.Connected
	StateDisconnecting = state.Disconnecting
	StateError         = state.Error
)
