// Package wireguard implements a reference Connection backend over an
// existing WireGuard kernel/userspace device, using
// golang.zx2c4.com/wireguard/wgctrl. The peer to connect to comes from
// ServerDescriptor.WireGuardPeerKey.
//
// Interface creation itself (allocating a tun/wg0-style device) is left
// to deployment tooling; this backend configures an already-existing
// device's peer set, the same division of responsibility backend/process
// draws around the tunnel binary it shells out to.
package wireguard

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	connector "github.com/vpnkit/connector"
	"github.com/vpnkit/connector/internal/capability"
	"github.com/vpnkit/connector/internal/persistence"
)

// BackendTag is the registry tag this package registers itself under.
const BackendTag = "wireguard"

// InterfaceName is the pre-existing WireGuard device this backend
// configures. Like backend/process's BinaryPath, this is a deployment
// setting, not something the registry's Factory signature carries.
var InterfaceName = "wg0"

// Client is the subset of *wgctrl.Client this backend needs. Tests
// substitute a fake that never touches a real device.
type Client interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// NewClient opens a real wgctrl client. Overridden by tests.
var NewClient = func() (Client, error) {
	return wgctrl.New()
}

// Firewall is the kill-switch/leak-protection effector this backend
// consumes as a capability.
type Firewall interface {
	EnableIPv6LeakProtection(ctx context.Context) error
	DisableIPv6LeakProtection(ctx context.Context) error
	EnableKillSwitch(ctx context.Context, routedThrough *capability.ServerDescriptor) error
	DisableKillSwitch(ctx context.Context) error
}

// NopFirewall does nothing; a deployment wires a real effector in
// through DefaultFirewall.
type NopFirewall struct{}

func (NopFirewall) EnableIPv6LeakProtection(ctx context.Context) error  { return nil }
func (NopFirewall) DisableIPv6LeakProtection(ctx context.Context) error { return nil }
func (NopFirewall) EnableKillSwitch(ctx context.Context, _ *capability.ServerDescriptor) error {
	return nil
}
func (NopFirewall) DisableKillSwitch(ctx context.Context) error { return nil }

// DefaultFirewall is used by Factory; tests override it with a spy.
var DefaultFirewall Firewall = NopFirewall{}

// HandshakeTimeout is how long Start waits, polling the device, for a
// first handshake with the peer before reporting Timeout.
var HandshakeTimeout = 10 * time.Second

func init() {
	connector.RegisterBackend(BackendTag, Factory,
		func() int { return 40 },
		Validate,
	)
}

// Validate reports whether a wgctrl client can be opened at all (kernel
// module or userspace implementation reachable).
func Validate() bool {
	c, err := NewClient()
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Connection configures a single peer on InterfaceName and polls for a
// handshake to decide whether bringup succeeded.
type Connection struct {
	mu sync.Mutex

	id          capability.ConnectionId
	server      capability.ServerDescriptor
	creds       capability.Credentials
	settings    capability.Settings
	protocolTag string

	client   Client
	firewall Firewall
	store    *persistence.Store

	callbacks []capability.EventCallback
	stopPoll  chan struct{}
}

// Factory builds a wgctrl-backed Connection.
func Factory(server capability.ServerDescriptor, creds capability.Credentials, settings capability.Settings, protocolTag string) (capability.Connection, error) {
	if server.WireGuardPeerKey == "" {
		return nil, fmt.Errorf("wireguard: server descriptor has no WireGuard peer public key")
	}
	store, err := persistence.NewDefaultStore()
	if err != nil {
		return nil, fmt.Errorf("wireguard: resolve persistence path: %w", err)
	}
	client, err := NewClient()
	if err != nil {
		return nil, fmt.Errorf("wireguard: open client: %w", err)
	}
	return &Connection{
		id:          capability.ConnectionId(uuid.NewString()),
		server:      server,
		creds:       creds,
		settings:    settings,
		protocolTag: protocolTag,
		client:      client,
		firewall:    DefaultFirewall,
		store:       store,
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
	if c.stopPoll != nil {
		close(c.stopPoll)
		c.stopPoll = nil
	}
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

func (c *Connection) peerConfig() (wgtypes.PeerConfig, error) {
	key, err := wgtypes.ParseKey(c.server.WireGuardPeerKey)
	if err != nil {
		return wgtypes.PeerConfig{}, fmt.Errorf("wireguard: parse peer key: %w", err)
	}

	var endpoint *net.UDPAddr
	if c.server.IP != "" && len(c.server.UDPPorts) > 0 {
		endpoint = &net.UDPAddr{IP: net.ParseIP(c.server.IP), Port: c.server.UDPPorts[0]}
	}

	_, allowedAll, _ := net.ParseCIDR("0.0.0.0/0")
	keepalive := 25 * time.Second

	return wgtypes.PeerConfig{
		PublicKey:                   key,
		Endpoint:                    endpoint,
		AllowedIPs:                  []net.IPNet{*allowedAll},
		PersistentKeepaliveInterval: &keepalive,
	}, nil
}

// Start configures the peer and begins polling for a first handshake,
// reporting Connected once one lands or Timeout once HandshakeTimeout
// elapses without one.
func (c *Connection) Start(ctx context.Context) error {
	peer, err := c.peerConfig()
	if err != nil {
		return err
	}

	var privateKey *wgtypes.Key
	if c.creds.WireGuardPrivateKey != "" {
		key, err := wgtypes.ParseKey(c.creds.WireGuardPrivateKey)
		if err != nil {
			return fmt.Errorf("wireguard: parse private key: %w", err)
		}
		privateKey = &key
	}

	cfg := wgtypes.Config{
		PrivateKey:   privateKey,
		ReplacePeers: true,
		Peers:        []wgtypes.PeerConfig{peer},
	}
	if err := c.client.ConfigureDevice(InterfaceName, cfg); err != nil {
		return fmt.Errorf("wireguard: configure device: %w", err)
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.stopPoll = stop
	c.mu.Unlock()

	go c.awaitHandshake(peer.PublicKey, stop)
	return nil
}

func (c *Connection) awaitHandshake(peerKey wgtypes.Key, stop chan struct{}) {
	deadline := time.Now().Add(HandshakeTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			dev, err := c.client.Device(InterfaceName)
			if err == nil {
				for _, p := range dev.Peers {
					if p.PublicKey == peerKey && !p.LastHandshakeTime.IsZero() {
						c.emit(capability.Event{Kind: capability.Connected})
						return
					}
				}
			}
			if time.Now().After(deadline) {
				c.emit(capability.Event{Kind: capability.Timeout})
				return
			}
		}
	}
}

// Stop removes the peer from the device's configuration and reports
// Disconnected from a separate goroutine, so Stop returns before the
// callback runs; there is no asynchronous teardown to await on a
// WireGuard device, unlike a subprocess or a NetworkManager profile.
func (c *Connection) Stop(ctx context.Context) error {
	peer, err := c.peerConfig()
	if err != nil {
		return err
	}
	peer.Remove = true
	cfg := wgtypes.Config{Peers: []wgtypes.PeerConfig{peer}}
	if err := c.client.ConfigureDevice(InterfaceName, cfg); err != nil {
		return fmt.Errorf("wireguard: remove peer: %w", err)
	}
	go c.emit(capability.Event{Kind: capability.Disconnected})
	return nil
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
		ProtocolTag:  c.protocolTag,
		ServerID:     c.server.ServerID,
		ServerName:   c.server.ServerName,
		KillSwitch:   c.settings.KillSwitch,
	})
}

func (c *Connection) RemovePersistence(ctx context.Context) error {
	return c.store.Remove()
}

// InitialState reports Connected if the device already has a peer
// matching the persisted server with a non-zero last handshake.
func (c *Connection) InitialState(ctx context.Context, params capability.PersistedParameters) capability.RestoredState {
	dev, err := c.client.Device(InterfaceName)
	if err != nil {
		return capability.RestoredDisconnected
	}
	key, err := wgtypes.ParseKey(c.server.WireGuardPeerKey)
	if err != nil {
		return capability.RestoredDisconnected
	}
	for _, p := range dev.Peers {
		if p.PublicKey == key && !p.LastHandshakeTime.IsZero() {
			return capability.RestoredConnected
		}
	}
	return capability.RestoredDisconnected
}
