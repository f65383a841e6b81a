package process

import (
	"bufio"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	connector "github.com/vpnkit/connector"
	"github.com/vpnkit/connector/internal/capability"
	"github.com/vpnkit/connector/internal/persistence"
)

// BackendTag is the registry tag this package registers itself under.
const BackendTag = "process"

// Firewall is the kill-switch/leak-protection effector this backend
// consumes as a capability. The default, NopFirewall, does nothing,
// since a real firewall driver is a deployment concern.
type Firewall interface {
	EnableIPv6LeakProtection(ctx context.Context) error
	DisableIPv6LeakProtection(ctx context.Context) error
	EnableKillSwitch(ctx context.Context, routedThrough *capability.ServerDescriptor) error
	DisableKillSwitch(ctx context.Context) error
}

// BinaryPath is the tunnel binary this backend invokes. Exported as a
// var rather than threaded through the registry's Factory signature:
// which binary to run is a deployment concern, set once at startup.
var BinaryPath = "/usr/sbin/openvpn"

// DefaultExecutor is used by Factory; tests override it with a fake.
var DefaultExecutor Executor = NewRealExecutor()

// DefaultFirewall is used by Factory; tests override it with a spy.
var DefaultFirewall Firewall = NopFirewall{}

func init() {
	connector.RegisterBackend(BackendTag, Factory,
		func() int { return 50 },
		func() bool { return BinaryPath != "" },
	)
}

// NopFirewall does nothing and never touches host firewall state.
type NopFirewall struct{}

func (NopFirewall) EnableIPv6LeakProtection(ctx context.Context) error  { return nil }
func (NopFirewall) DisableIPv6LeakProtection(ctx context.Context) error { return nil }
func (NopFirewall) EnableKillSwitch(ctx context.Context, _ *capability.ServerDescriptor) error {
	return nil
}
func (NopFirewall) DisableKillSwitch(ctx context.Context) error { return nil }

// Connection drives a tunnel binary as a subprocess and reports its
// lifecycle through the capability.Connection contract.
type Connection struct {
	mu sync.Mutex

	id          capability.ConnectionId
	server      capability.ServerDescriptor
	creds       capability.Credentials
	settings    capability.Settings
	protocolTag string

	executor Executor
	firewall Firewall
	store    *persistence.Store

	process Process
	cancel  context.CancelFunc

	callbacks []capability.EventCallback
}

// Factory builds a process-backed Connection. Registered under
// BackendTag.
func Factory(server capability.ServerDescriptor, creds capability.Credentials, settings capability.Settings, protocolTag string) (capability.Connection, error) {
	store, err := persistence.NewDefaultStore()
	if err != nil {
		return nil, fmt.Errorf("process: resolve persistence path: %w", err)
	}
	return &Connection{
		id:          capability.ConnectionId(uuid.NewString()),
		server:      server,
		creds:       creds,
		settings:    settings,
		protocolTag: protocolTag,
		executor:    DefaultExecutor,
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

// Unregister drops every callback. A production backend able to compare
// callbacks by a registration token would remove just one; the core only
// ever registers its own single callback on a Connection, so clearing the
// slice is equivalent here.
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

func (c *Connection) buildArgs() []string {
	args := []string{fmt.Sprintf("--remote=%s", c.server.IP)}
	if capability.UseCertificateAuth() && c.creds.ClientCertificatePEM != "" {
		args = append(args, "--cert-auth")
	} else if username := c.settings.FlaggedUsername(c.creds.Username); username != "" {
		args = append(args, "--username", username)
	}
	if c.settings.IPv6Enabled {
		args = append(args, "--tun-ipv6")
	}
	for _, ip := range c.settings.DNSCustomIPs {
		args = append(args, "--dhcp-option=DNS", ip)
	}
	for _, ip := range c.settings.SplitTunnelingIPs {
		args = append(args, "--route", ip, "255.255.255.255", "net_gateway")
	}
	return args
}

// Start launches the tunnel binary and begins scanning its stdout for
// lifecycle lines in the background; it returns as soon as the process
// has spawned.
func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	proc, err := c.executor.CreateProcess(ctx, BinaryPath, c.buildArgs()...)
	if err != nil {
		cancel()
		return err
	}
	if err := proc.Start(); err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	c.process = proc
	c.cancel = cancel
	c.mu.Unlock()

	go c.scan(proc)
	go c.awaitExit(proc)

	return nil
}

func (c *Connection) scan(proc Process) {
	scanner := bufio.NewScanner(proc.Stdout())
	for scanner.Scan() {
		parsed := ParseLine(scanner.Text())
		if parsed == nil {
			continue
		}
		if parsed.err != nil {
			c.emit(capability.Event{Kind: parsed.kind, Err: parsed.err})
		} else {
			c.emit(capability.Event{Kind: parsed.kind})
		}
	}
}

func (c *Connection) awaitExit(proc Process) {
	_ = proc.Wait()
	c.mu.Lock()
	c.process = nil
	c.cancel = nil
	c.mu.Unlock()
}

// Stop kills the tunnel process. The process's own exit, observed by
// awaitExit, is not itself what reports Disconnected; scan's parsing of
// the binary's own "Tunnel is down" line is, matching how a real
// OpenVPN-management-style driver distinguishes "I asked it to stop" from
// "it confirmed stopping".
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	proc := c.process
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if proc == nil {
		go c.emit(capability.Event{Kind: capability.Disconnected})
		return nil
	}
	return proc.Kill()
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

// InitialState probes whether the tunnel interface this Connection's
// persisted server would have assigned is still present; if so, the
// engine resumes in Connected without issuing a new Start.
func (c *Connection) InitialState(ctx context.Context, params capability.PersistedParameters) capability.RestoredState {
	if _, err := DetectInterface(c.server.IP); err == nil {
		return capability.RestoredConnected
	}
	return capability.RestoredDisconnected
}
