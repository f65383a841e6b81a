package state

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpnkit/connector/internal/capability"
	"github.com/vpnkit/connector/internal/event"
)

// fakeConn is a minimal capability.Connection stub: the transition table
// under test is pure and never calls any of these methods, so every one
// is a no-op that exists only to satisfy the interface.
type fakeConn struct {
	id capability.ConnectionId
}

func (f *fakeConn) ID() capability.ConnectionId          { return f.id }
func (f *fakeConn) Server() *capability.ServerDescriptor { return &capability.ServerDescriptor{} }
func (f *fakeConn) KillSwitchSetting() capability.KillSwitchSetting {
	return capability.KillSwitchOff
}
func (*fakeConn) Start(ctx context.Context) error                     { return nil }
func (*fakeConn) Stop(ctx context.Context) error                      { return nil }
func (*fakeConn) Register(cb capability.EventCallback)                {}
func (*fakeConn) Unregister(cb capability.EventCallback)              {}
func (*fakeConn) EnableIPv6LeakProtection(ctx context.Context) error  { return nil }
func (*fakeConn) DisableIPv6LeakProtection(ctx context.Context) error { return nil }
func (*fakeConn) EnableKillSwitch(ctx context.Context, server *capability.ServerDescriptor) error {
	return nil
}
func (*fakeConn) DisableKillSwitch(ctx context.Context) error { return nil }
func (*fakeConn) AddPersistence(ctx context.Context) error    { return nil }
func (*fakeConn) RemovePersistence(ctx context.Context) error { return nil }
func (*fakeConn) InitialState(ctx context.Context, params capability.PersistedParameters) capability.RestoredState {
	return capability.RestoredDisconnected
}

// errorKinds enumerates every Error-group EventKind for table-driven
// coverage of the error column of the transition table.
var errorKinds = []event.Kind{
	event.DeviceDisconnected,
	event.Timeout,
	event.AuthDenied,
	event.TunnelSetupFailed,
	event.UnexpectedError,
}

func conn(id string) *fakeConn { return &fakeConn{id: capability.ConnectionId(id)} }

// TestTransitionTable_Totality walks every (State, Event) cell of the
// transition table and asserts the resulting Kind.
func TestTransitionTable_Totality(t *testing.T) {
	connA := conn("A")
	connB := conn("B")

	t.Run("Disconnected", func(t *testing.T) {
		s := New(Disconnected, nil)
		next, err := s.OnEvent(event.New(event.Up, connA))
		require.NoError(t, err)
		assert.Equal(t, Connecting, next.Kind())
		assert.Equal(t, connA, next.Connection())

		for _, kind := range []event.Kind{event.Down, event.Connected, event.Disconnected} {
			s := New(Disconnected, nil)
			next, err := s.OnEvent(event.New(kind, nil))
			require.NoError(t, err)
			assert.Same(t, s, next)
			assert.Equal(t, Disconnected, next.Kind())
		}
		for _, kind := range errorKinds {
			s := New(Disconnected, nil)
			next, err := s.OnEvent(event.New(kind, nil))
			require.NoError(t, err)
			assert.Equal(t, Disconnected, next.Kind())
		}
	})

	t.Run("Connecting", func(t *testing.T) {
		s := New(Connecting, connA)
		next, err := s.OnEvent(event.New(event.Up, connB))
		require.NoError(t, err)
		assert.Equal(t, Disconnecting, next.Kind())
		assert.Equal(t, connA, next.Connection())
		assert.Equal(t, connB, next.Reconnection())

		s = New(Connecting, connA)
		next, err = s.OnEvent(event.New(event.Down, connA))
		require.NoError(t, err)
		assert.Equal(t, Disconnecting, next.Kind())
		assert.Nil(t, next.Reconnection())

		s = New(Connecting, connA)
		next, err = s.OnEvent(event.New(event.Connected, connA))
		require.NoError(t, err)
		assert.Equal(t, Connected, next.Kind())

		s = New(Connecting, connA)
		next, err = s.OnEvent(event.New(event.Disconnected, connA))
		require.NoError(t, err)
		assert.Equal(t, Disconnected, next.Kind())

		for _, kind := range errorKinds {
			s := New(Connecting, connA)
			next, err := s.OnEvent(event.New(kind, connA))
			require.NoError(t, err)
			assert.Equal(t, Error, next.Kind())
		}
	})

	t.Run("Connected", func(t *testing.T) {
		s := New(Connected, connA)
		next, err := s.OnEvent(event.New(event.Up, connB))
		require.NoError(t, err)
		assert.Equal(t, Disconnecting, next.Kind())
		assert.Equal(t, connB, next.Reconnection())

		s = New(Connected, connA)
		next, err = s.OnEvent(event.New(event.Down, connA))
		require.NoError(t, err)
		assert.Equal(t, Disconnecting, next.Kind())

		s = New(Connected, connA)
		next, err = s.OnEvent(event.New(event.Connected, connA))
		require.NoError(t, err)
		assert.Same(t, s, next)

		s = New(Connected, connA)
		next, err = s.OnEvent(event.New(event.Disconnected, connA))
		require.NoError(t, err)
		assert.Equal(t, Disconnected, next.Kind())

		for _, kind := range errorKinds {
			s := New(Connected, connA)
			next, err := s.OnEvent(event.New(kind, connA))
			require.NoError(t, err)
			assert.Equal(t, Error, next.Kind())
		}
	})

	t.Run("Disconnecting", func(t *testing.T) {
		s := New(Disconnecting, connA)
		next, err := s.OnEvent(event.New(event.Up, connB))
		require.NoError(t, err)
		assert.Same(t, s, next, "Up in Disconnecting mutates in place, no new state")
		assert.Equal(t, connB, next.Reconnection())

		for _, kind := range []event.Kind{event.Down, event.Connected} {
			s := New(Disconnecting, connA)
			next, err := s.OnEvent(event.New(kind, connA))
			require.NoError(t, err)
			assert.Same(t, s, next)
			assert.Equal(t, Disconnecting, next.Kind())
		}

		s = New(Disconnecting, connA)
		s.reconnection = connB
		next, err = s.OnEvent(event.New(event.Disconnected, connA))
		require.NoError(t, err)
		assert.Equal(t, Disconnected, next.Kind())
		assert.Equal(t, connB, next.Reconnection(), "queued reconnection carries through")

		for _, kind := range errorKinds {
			s := New(Disconnecting, connA)
			s.reconnection = connB
			next, err := s.OnEvent(event.New(kind, connA))
			require.NoError(t, err)
			assert.Equal(t, Disconnected, next.Kind(), "error group absorbed as successful disconnect")
			assert.Equal(t, connB, next.Reconnection())
		}
	})

	t.Run("Error", func(t *testing.T) {
		s := New(Error, connA)
		next, err := s.OnEvent(event.New(event.Up, connB))
		require.NoError(t, err)
		assert.Equal(t, Connecting, next.Kind())
		assert.Equal(t, connB, next.Connection())

		s = New(Error, connA)
		next, err = s.OnEvent(event.New(event.Down, connA))
		require.NoError(t, err)
		assert.Equal(t, Disconnected, next.Kind())

		for _, kind := range []event.Kind{event.Connected, event.Disconnected} {
			s := New(Error, connA)
			next, err := s.OnEvent(event.New(kind, connA))
			require.NoError(t, err)
			assert.Same(t, s, next)
		}

		for _, kind := range errorKinds {
			s := New(Error, connA)
			next, err := s.OnEvent(event.New(kind, connA))
			require.NoError(t, err)
			assert.Equal(t, Error, next.Kind())
		}
	})
}

// recordingHandler captures slog records so tests can assert on what was
// actually logged.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) countWarns(substring string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == slog.LevelWarn && strings.Contains(r.Message, substring) {
			n++
		}
	}
	return n
}

// A no-op self-transition returns the same state pointer and emits
// exactly one WARN record containing "received unexpected event".
func TestNoOpSelfTransition_LogsWarning(t *testing.T) {
	h := &recordingHandler{}
	prev := slog.Default()
	slog.SetDefault(slog.New(h))
	defer slog.SetDefault(prev)

	s := New(Disconnected, nil)
	next, err := s.OnEvent(event.New(event.Down, nil))
	require.NoError(t, err)
	assert.Same(t, s, next)
	assert.Equal(t, 1, h.countWarns("received unexpected event"))
}

// The Disconnecting+Up tie-break also returns the same pointer, but is
// not a no-op and must not warn.
func TestDisconnectingUp_DoesNotWarn(t *testing.T) {
	h := &recordingHandler{}
	prev := slog.Default()
	slog.SetDefault(slog.New(h))
	defer slog.SetDefault(prev)

	s := New(Disconnecting, conn("A"))
	next, err := s.OnEvent(event.New(event.Up, conn("B")))
	require.NoError(t, err)
	assert.Same(t, s, next)
	assert.Zero(t, h.countWarns("received unexpected event"))
}

func TestConcurrentConnectionGuard(t *testing.T) {
	connA := conn("A")
	connB := conn("B")
	s := New(Connected, connA)

	for _, kind := range []event.Kind{event.Down, event.Connected, event.Disconnected} {
		_, err := s.OnEvent(event.New(kind, connB))
		require.Error(t, err)
		var ccErr *ConcurrentConnectionsError
		assert.ErrorAs(t, err, &ccErr)
	}

	// Up is exempt: it is how a replacement connection enters.
	_, err := s.OnEvent(event.New(event.Up, connB))
	assert.NoError(t, err)
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Disconnected:  "Disconnected",
		Connecting:    "Connecting",
		Connected:     "Connected",
		Disconnecting: "Disconnecting",
		Error:         "Error",
		Kind(99):      "Unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}
