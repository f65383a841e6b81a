// Package networkmanager implements a reference Connection backend
// that drives a NetworkManager VPN connection profile over D-Bus, rather
// than managing a tunnel process directly. It follows the
// org.freedesktop.NetworkManager D-Bus API and the client conventions
// godbus/dbus/v5 documents.
//
// A NetworkManager-integration backend differs from backend/process in
// that bringup/teardown and status reporting are both driven through the
// system bus instead of scraping a subprocess's stdout: Start/Stop call
// ActivateConnection/DeactivateConnection, and a StateChanged signal
// subscription takes the place of the line parser.
package networkmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	connector "github.com/vpnkit/connector"
	"github.com/vpnkit/connector/internal/capability"
	"github.com/vpnkit/connector/internal/persistence"
)

// BackendTag is the registry tag this package registers itself under.
const BackendTag = "networkmanager"

const (
	nmService      = "org.freedesktop.NetworkManager"
	nmObjectPath   = "/org/freedesktop/NetworkManager"
	nmSettingsPath = "/org/freedesktop/NetworkManager/Settings"
	nmIface        = "org.freedesktop.NetworkManager"
	nmActiveIface  = "org.freedesktop.NetworkManager.Connection.Active"
	nmStateChanged = "org.freedesktop.NetworkManager.Connection.Active.StateChanged"
)

// NetworkManager active-connection state codes, per the NM D-Bus API
// reference (NMActiveConnectionState). Only the values this backend
// reacts to are named.
const (
	nmStateActivating   uint32 = 1
	nmStateActivated    uint32 = 2
	nmStateDeactivating uint32 = 3
	nmStateDeactivated  uint32 = 4
)

// BusConn is the subset of *dbus.Conn this backend needs. Tests
// substitute a fake that never touches a real system bus.
type BusConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Close() error
}

// Dial opens the system bus. Overridden by tests.
var Dial = func() (BusConn, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Firewall is the kill-switch/leak-protection effector this backend
// consumes as a capability; NetworkManager itself has no portable
// notion of either, so arming them is delegated entirely.
type Firewall interface {
	EnableIPv6LeakProtection(ctx context.Context) error
	DisableIPv6LeakProtection(ctx context.Context) error
	EnableKillSwitch(ctx context.Context, routedThrough *capability.ServerDescriptor) error
	DisableKillSwitch(ctx context.Context) error
}

// NopFirewall logs nothing and does nothing; a deployment wires a real
// effector in through DefaultFirewall.
type NopFirewall struct{}

func (NopFirewall) EnableIPv6LeakProtection(ctx context.Context) error  { return nil }
func (NopFirewall) DisableIPv6LeakProtection(ctx context.Context) error { return nil }
func (NopFirewall) EnableKillSwitch(ctx context.Context, _ *capability.ServerDescriptor) error {
	return nil
}
func (NopFirewall) DisableKillSwitch(ctx context.Context) error { return nil }

// DefaultFirewall is used by Factory; tests override it with a spy.
var DefaultFirewall Firewall = NopFirewall{}

func init() {
	connector.RegisterBackend(BackendTag, Factory,
		func() int { return 60 }, // preferred over backend/process when both validate
		Validate,
	)
}

// Validate reports whether the system bus is reachable at all. A
// lightweight dial-and-close, matching the class-level hook the registry
// expects.
func Validate() bool {
	conn, err := Dial()
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Connection drives a NetworkManager connection profile, identified by
// UUID, through Activate/Deactivate and reports lifecycle transitions
// observed on the profile's ActiveConnection object via the
// capability.Connection contract.
type Connection struct {
	mu sync.Mutex

	id          capability.ConnectionId
	server      capability.ServerDescriptor
	settings    capability.Settings
	profileUUID string
	firewall    Firewall
	store       *persistence.Store

	bus          BusConn
	activePath   dbus.ObjectPath
	signalCh     chan *dbus.Signal
	stopWatching chan struct{}

	callbacks []capability.EventCallback
}

// Factory builds a NetworkManager-backed Connection. The profile UUID is
// expected to already exist in NetworkManager's connection store,
// created by whatever templated the wire-protocol config. Config
// templating is not this backend's concern.
func Factory(server capability.ServerDescriptor, creds capability.Credentials, settings capability.Settings, protocolTag string) (capability.Connection, error) {
	store, err := persistence.NewDefaultStore()
	if err != nil {
		return nil, fmt.Errorf("networkmanager: resolve persistence path: %w", err)
	}
	bus, err := Dial()
	if err != nil {
		return nil, fmt.Errorf("networkmanager: dial system bus: %w", err)
	}
	return &Connection{
		id:          capability.ConnectionId(uuid.NewString()),
		server:      server,
		settings:    settings,
		profileUUID: server.ServerID,
		firewall:    DefaultFirewall,
		store:       store,
		bus:         bus,
	}, nil
}

func (c *Connection) ID() capability.ConnectionId                     { return c.id }
func (c *Connection) Server() *capability.ServerDescriptor            { return &c.server }
func (c *Connection) KillSwitchSetting() capability.KillSwitchSetting { return c.settings.KillSwitch }

func (c *Connection) Register(cb capability.EventCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

func (c *Connection) Unregister(cb capability.EventCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = nil
}

func (c *Connection) emit(e capability.Event) {
	c.mu.Lock()
	cbs := append([]capability.EventCallback(nil), c.callbacks...)
	c.mu.Unlock()

	e.Connection = c
	for _, cb := range cbs {
		cb(e)
	}
}

// findSettingsPath looks up the Settings.Connection object for a profile
// by its UUID, via Settings.GetConnectionByUuid.
func (c *Connection) findSettingsPath() (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	obj := c.bus.Object(nmService, nmSettingsPath)
	err := obj.Call("org.freedesktop.NetworkManager.Settings.GetConnectionByUuid", 0, c.profileUUID).Store(&path)
	if err != nil {
		return "", fmt.Errorf("networkmanager: lookup profile %q: %w", c.profileUUID, err)
	}
	return path, nil
}

// Start activates the connection profile and begins watching its active
// connection object for state transitions, reporting Activated as a
// Connected event and Deactivated as a Disconnected event. Other state
// codes produce no event, and a failed activation is returned from Start
// rather than reported through the callback.
func (c *Connection) Start(ctx context.Context) error {
	settingsPath, err := c.findSettingsPath()
	if err != nil {
		return err
	}

	var activePath dbus.ObjectPath
	root := c.bus.Object(nmService, nmObjectPath)
	call := root.Call(nmIface+".ActivateConnection", 0, settingsPath, dbus.ObjectPath("/"), dbus.ObjectPath("/"))
	if call.Err != nil {
		return fmt.Errorf("networkmanager: activate connection: %w", call.Err)
	}
	if err := call.Store(&activePath); err != nil {
		return fmt.Errorf("networkmanager: decode active connection path: %w", err)
	}

	c.mu.Lock()
	c.activePath = activePath
	c.mu.Unlock()

	return c.watch(activePath)
}

func (c *Connection) watch(activePath dbus.ObjectPath) error {
	ch := make(chan *dbus.Signal, 8)
	if err := c.bus.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.NetworkManager.Connection.Active"),
		dbus.WithMatchObjectPath(activePath),
	); err != nil {
		return fmt.Errorf("networkmanager: subscribe to state signals: %w", err)
	}
	c.bus.Signal(ch)

	c.mu.Lock()
	c.signalCh = ch
	c.stopWatching = make(chan struct{})
	stop := c.stopWatching
	c.mu.Unlock()

	go c.pump(ch, stop)
	return nil
}

func (c *Connection) pump(ch chan *dbus.Signal, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if sig.Name != nmStateChanged || len(sig.Body) < 1 {
				continue
			}
			state, ok := sig.Body[0].(uint32)
			if !ok {
				continue
			}
			switch state {
			case nmStateActivated:
				c.emit(capability.Event{Kind: capability.Connected})
			case nmStateDeactivated:
				c.emit(capability.Event{Kind: capability.Disconnected})
				return
			}
		}
	}
}

// Stop deactivates the active connection; NetworkManager's own
// StateChanged signal (nmStateDeactivated) is what reports Disconnected,
// the same "ask, then wait for confirmation" shape backend/process uses.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	activePath := c.activePath
	c.mu.Unlock()

	if activePath == "" {
		go c.emit(capability.Event{Kind: capability.Disconnected})
		return nil
	}

	root := c.bus.Object(nmService, nmObjectPath)
	call := root.Call(nmIface+".DeactivateConnection", 0, activePath)
	return call.Err
}

func (c *Connection) EnableIPv6LeakProtection(ctx context.Context) error {
	return c.firewall.EnableIPv6LeakProtection(ctx)
}

func (c *Connection) DisableIPv6LeakProtection(ctx context.Context) error {
	return c.firewall.DisableIPv6LeakProtection(ctx)
}

func (c *Connection) EnableKillSwitch(ctx context.Context, server *capability.ServerDescriptor) error {
	return c.firewall.EnableKillSwitch(ctx, server)
}

func (c *Connection) DisableKillSwitch(ctx context.Context) error {
	return c.firewall.DisableKillSwitch(ctx)
}

func (c *Connection) AddPersistence(ctx context.Context) error {
	return c.store.Save(capability.PersistedParameters{
		ConnectionID: c.id,
		BackendTag:   BackendTag,
		ProtocolTag:  "networkmanager",
		ServerID:     c.server.ServerID,
		ServerName:   c.server.ServerName,
		KillSwitch:   c.settings.KillSwitch,
	})
}

func (c *Connection) RemovePersistence(ctx context.Context) error {
	return c.store.Remove()
}

// InitialState asks NetworkManager whether the persisted profile's
// active connection, if any, is still in the Activated state.
func (c *Connection) InitialState(ctx context.Context, params capability.PersistedParameters) capability.RestoredState {
	path, err := c.findSettingsPath()
	if err != nil {
		return capability.RestoredDisconnected
	}

	root := c.bus.Object(nmService, nmObjectPath)
	prop, err := root.GetProperty(nmIface + ".ActiveConnections")
	if err != nil {
		return capability.RestoredDisconnected
	}
	activeConnections, ok := prop.Value().([]dbus.ObjectPath)
	if !ok {
		return capability.RestoredDisconnected
	}

	for _, ac := range activeConnections {
		acObj := c.bus.Object(nmService, ac)
		connProp, err := acObj.GetProperty(nmActiveIface + ".Connection")
		if err != nil {
			continue
		}
		connPath, ok := connProp.Value().(dbus.ObjectPath)
		if !ok || connPath != path {
			continue
		}
		stateProp, err := acObj.GetProperty(nmActiveIface + ".State")
		if err != nil {
			continue
		}
		if st, ok := stateProp.Value().(uint32); ok && st == nmStateActivated {
			c.activePath = ac
			return capability.RestoredConnected
		}
	}
	return capability.RestoredDisconnected
}
