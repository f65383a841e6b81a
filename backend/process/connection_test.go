package process

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpnkit/connector/internal/capability"
	"github.com/vpnkit/connector/internal/persistence"
)

type fakeProcess struct {
	stdoutR  io.ReadCloser
	stdoutW  io.WriteCloser
	killed   chan struct{}
	waitDone chan struct{}
}

func newFakeProcess() *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{
		stdoutR:  r,
		stdoutW:  w,
		killed:   make(chan struct{}),
		waitDone: make(chan struct{}),
	}
}

func (p *fakeProcess) Start() error { return nil }
func (p *fakeProcess) Wait() error  { <-p.waitDone; return nil }
func (p *fakeProcess) Kill() error {
	close(p.killed)
	_ = p.stdoutW.Close()
	close(p.waitDone)
	return nil
}
func (p *fakeProcess) Stdin() io.WriteCloser { return nil }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdoutR }
func (p *fakeProcess) Stderr() io.ReadCloser { return nil }

type fakeExecutor struct {
	proc *fakeProcess
	name string
	args []string
}

func (e *fakeExecutor) CreateProcess(ctx context.Context, name string, args ...string) (Process, error) {
	e.name = name
	e.args = args
	return e.proc, nil
}

func newTestConnection(t *testing.T, exec Executor, settings capability.Settings, creds capability.Credentials) *Connection {
	t.Helper()
	return &Connection{
		id:          "test-conn",
		server:      capability.ServerDescriptor{IP: "198.51.100.7", ServerID: "srv-1", ServerName: "One"},
		creds:       creds,
		settings:    settings,
		protocolTag: "openvpn",
		executor:    exec,
		firewall:    NopFirewall{},
		store:       persistence.NewStore(t.TempDir() + "/connection_persistence.json"),
	}
}

func collectEvents(c *Connection) chan capability.Event {
	ch := make(chan capability.Event, 8)
	c.Register(func(e capability.Event) { ch <- e })
	return ch
}

func waitEvent(t *testing.T, ch chan capability.Event, want capability.EventKind) {
	t.Helper()
	select {
	case e := <-ch:
		assert.Equal(t, want, e.Kind)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s event", want)
	}
}

func TestBuildArgs_UsernameWithFeatureFlags(t *testing.T) {
	t.Setenv(capability.UseCertificateEnvVar, "")
	c := newTestConnection(t, &fakeExecutor{}, capability.Settings{
		Features: capability.Features{NetshieldLevel: 1, VPNAccelerator: true, PortForwarding: true},
	}, capability.Credentials{Username: "alice", Password: "secret"})

	args := c.buildArgs()
	assert.Contains(t, args, "--username")
	assert.Contains(t, args, "alice+f1+pmp")
}

func TestBuildArgs_CertificateAuthFromEnv(t *testing.T) {
	t.Setenv(capability.UseCertificateEnvVar, "true")
	c := newTestConnection(t, &fakeExecutor{}, capability.Settings{},
		capability.Credentials{Username: "alice", ClientCertificatePEM: "-----BEGIN CERTIFICATE-----"})

	args := c.buildArgs()
	assert.Contains(t, args, "--cert-auth")
	assert.NotContains(t, args, "--username")
}

func TestBuildArgs_SettingsPassThrough(t *testing.T) {
	t.Setenv(capability.UseCertificateEnvVar, "")
	c := newTestConnection(t, &fakeExecutor{}, capability.Settings{
		IPv6Enabled:       true,
		DNSCustomIPs:      []string{"10.0.0.53"},
		SplitTunnelingIPs: []string{"192.0.2.10"},
	}, capability.Credentials{})

	args := c.buildArgs()
	assert.Contains(t, args, "--remote=198.51.100.7")
	assert.Contains(t, args, "--tun-ipv6")
	assert.Contains(t, args, "10.0.0.53")
	assert.Contains(t, args, "192.0.2.10")
}

func TestStart_ReportsConnectedFromProcessOutput(t *testing.T) {
	exec := &fakeExecutor{proc: newFakeProcess()}
	c := newTestConnection(t, exec, capability.Settings{}, capability.Credentials{})
	events := collectEvents(c)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, BinaryPath, exec.name)

	_, err := io.WriteString(exec.proc.stdoutW, "INFO:   Tunnel is up and running.\n")
	require.NoError(t, err)
	waitEvent(t, events, capability.Connected)
}

func TestStart_ReportsAuthDenied(t *testing.T) {
	exec := &fakeExecutor{proc: newFakeProcess()}
	c := newTestConnection(t, exec, capability.Settings{}, capability.Credentials{})
	events := collectEvents(c)

	require.NoError(t, c.Start(context.Background()))
	_, err := io.WriteString(exec.proc.stdoutW, "ERROR:  Authentication failed.\n")
	require.NoError(t, err)
	waitEvent(t, events, capability.AuthDenied)
}

func TestStop_KillsProcessGroup(t *testing.T) {
	exec := &fakeExecutor{proc: newFakeProcess()}
	c := newTestConnection(t, exec, capability.Settings{}, capability.Credentials{})

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))

	select {
	case <-exec.proc.killed:
	case <-time.After(time.Second):
		t.Fatal("Stop did not kill the process")
	}
}

func TestStop_WithoutProcessStillReportsDisconnected(t *testing.T) {
	c := newTestConnection(t, &fakeExecutor{}, capability.Settings{}, capability.Credentials{})
	events := collectEvents(c)

	require.NoError(t, c.Stop(context.Background()))
	waitEvent(t, events, capability.Disconnected)
}

func TestAddRemovePersistence(t *testing.T) {
	c := newTestConnection(t, &fakeExecutor{}, capability.Settings{KillSwitch: capability.KillSwitchOn}, capability.Credentials{})

	require.NoError(t, c.AddPersistence(context.Background()))
	params := c.store.Load()
	require.NotNil(t, params)
	assert.Equal(t, BackendTag, params.BackendTag)
	assert.Equal(t, "srv-1", params.ServerID)
	assert.Equal(t, capability.KillSwitchOn, params.KillSwitch)

	require.NoError(t, c.RemovePersistence(context.Background()))
	assert.Nil(t, c.store.Load())
}
