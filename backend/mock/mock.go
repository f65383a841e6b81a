// Package mock provides an in-memory Connection implementation used by
// the engine's own test suite to exercise every capability deterministically,
// without a real tunnel, kill switch, or filesystem underneath it.
package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	connector "github.com/vpnkit/connector"
	"github.com/vpnkit/connector/internal/capability"
)

// BackendTag is the registry tag this package registers itself under.
const BackendTag = "mock"

func init() {
	connector.RegisterBackend(BackendTag, Factory,
		func() int { return 0 }, // lowest priority: never auto-selected over a real backend
		func() bool { return true },
	)
}

// Connection is a fully in-memory Connection. By default Start emits
// Connected and Stop emits Disconnected, each from a new goroutine so the
// call returns before the callback runs. A StartFunc/StopFunc override,
// also run on its own goroutine, replaces that default and lets tests
// script exact event sequences (auth failure, device drop, timeouts).
type Connection struct {
	mu sync.Mutex

	id       capability.ConnectionId
	server   capability.ServerDescriptor
	settings capability.Settings

	callbacks map[*capability.EventCallback]capability.EventCallback

	ipv6Protection bool
	killSwitchMode killSwitchMode
	persisted      bool

	// StartFunc, when set, replaces the default behavior of immediately
	// emitting Connected. It receives the callback to invoke when ready.
	StartFunc func(ctx context.Context, emit func(capability.Event))
	// StopFunc, when set, replaces the default behavior of immediately
	// emitting Disconnected.
	StopFunc func(ctx context.Context, emit func(capability.Event))

	// InitialStateFunc, when set, overrides InitialState's default
	// (always RestoredDisconnected).
	InitialStateFunc func(params capability.PersistedParameters) capability.RestoredState
}

type killSwitchMode int

const (
	killSwitchDisabled killSwitchMode = iota
	killSwitchRouted
	killSwitchFull
)

// DefaultInitialStateFunc, when set, is copied onto every Connection
// Factory creates, so a test can script how InitialState behaves for
// connections built through the registry (e.g. during Connector crash
// recovery) rather than only ones it constructs directly with New.
var DefaultInitialStateFunc func(params capability.PersistedParameters) capability.RestoredState

// New creates a mock connection with a fresh generated ID.
func New(server capability.ServerDescriptor, settings capability.Settings) *Connection {
	return &Connection{
		id:               capability.ConnectionId(uuid.NewString()),
		server:           server,
		settings:         settings,
		callbacks:        make(map[*capability.EventCallback]capability.EventCallback),
		InitialStateFunc: DefaultInitialStateFunc,
	}
}

// Factory adapts New to capability.Factory for registration.
func Factory(server capability.ServerDescriptor, creds capability.Credentials, settings capability.Settings, protocolTag string) (capability.Connection, error) {
	return New(server, settings), nil
}

func (c *Connection) ID() capability.ConnectionId                     { return c.id }
func (c *Connection) Server() *capability.ServerDescriptor            { return &c.server }
func (c *Connection) KillSwitchSetting() capability.KillSwitchSetting { return c.settings.KillSwitch }

func (c *Connection) Register(cb capability.EventCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[&cb] = cb
}

func (c *Connection) Unregister(cb capability.EventCallback) {
	// Functions aren't comparable; a real backend would track registration
	// tokens. For this in-memory reference backend, tests register exactly
	// one callback (the Connector's), so clearing the map is equivalent
	// and keeps the contract's semantics (idempotent, no-op if absent).
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = make(map[*capability.EventCallback]capability.EventCallback)
}

func (c *Connection) emit(e capability.Event) {
	c.mu.Lock()
	cbs := make([]capability.EventCallback, 0, len(c.callbacks))
	for _, cb := range c.callbacks {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()

	e.Connection = c
	for _, cb := range cbs {
		cb(e)
	}
}

func (c *Connection) Start(ctx context.Context) error {
	if c.StartFunc != nil {
		go c.StartFunc(ctx, c.emit)
		return nil
	}
	go c.emit(capability.Event{Kind: capability.Connected})
	return nil
}

func (c *Connection) Stop(ctx context.Context) error {
	if c.StopFunc != nil {
		go c.StopFunc(ctx, c.emit)
		return nil
	}
	go c.emit(capability.Event{Kind: capability.Disconnected})
	return nil
}

func (c *Connection) EnableIPv6LeakProtection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ipv6Protection = true
	return nil
}

func (c *Connection) DisableIPv6LeakProtection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ipv6Protection = false
	return nil
}

// IPv6ProtectionEnabled reports the current protection state, for tests
// asserting that a reconnection never dropped leak protection.
func (c *Connection) IPv6ProtectionEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ipv6Protection
}

func (c *Connection) EnableKillSwitch(ctx context.Context, server *capability.ServerDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if server != nil {
		c.killSwitchMode = killSwitchRouted
	} else {
		c.killSwitchMode = killSwitchFull
	}
	return nil
}

func (c *Connection) DisableKillSwitch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killSwitchMode = killSwitchDisabled
	return nil
}

func (c *Connection) AddPersistence(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persisted = true
	return nil
}

func (c *Connection) RemovePersistence(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persisted = false
	return nil
}

// Persisted reports whether AddPersistence has run without a matching
// RemovePersistence, for test assertions.
func (c *Connection) Persisted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persisted
}

func (c *Connection) InitialState(ctx context.Context, params capability.PersistedParameters) capability.RestoredState {
	if c.InitialStateFunc != nil {
		return c.InitialStateFunc(params)
	}
	return capability.RestoredDisconnected
}
