package connector

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vpnkit/connector/internal/capability"
	"github.com/vpnkit/connector/internal/event"
	"github.com/vpnkit/connector/internal/persistence"
	"github.com/vpnkit/connector/internal/publisher"
	"github.com/vpnkit/connector/internal/state"
)

// Connector is the singleton supervisor: it owns the current state,
// serializes event processing under a single dispatch lock, wires backend
// callbacks, and exposes the public connect/disconnect/subscribe API.
type Connector struct {
	dispatchMu sync.Mutex // held across a full on_event loop, including awaited tasks

	current      atomic.Pointer[state.State] // mutated only while dispatchMu is held
	lastServerID atomic.Pointer[string]      // sticky across disconnects

	pub   *publisher.Publisher
	store *persistence.Store

	// runTasks indirects state.State.RunTasks so the dispatch loop's
	// cascade bound can be exercised without a state machine that
	// genuinely diverges.
	runTasks func(ctx context.Context, s *state.State) (*event.Event, error)
}

var (
	instanceMu sync.Mutex
	instance   *Connector
)

// GetInstance returns the singleton Connector, creating it lazily. On
// first creation it probes persistence: if a record exists, it asks the
// matching backend to reconstruct a Connection and queries its initial
// state; otherwise it commits an empty Disconnected state.
func GetInstance() *Connector {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = newConnector()
	}
	return instance
}

// ResetForTesting discards the singleton so the next GetInstance call
// re-probes persistence from scratch. Test harnesses only.
func ResetForTesting() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = nil
}

func newConnector() *Connector {
	c := &Connector{
		pub: publisher.New(),
		runTasks: func(ctx context.Context, s *state.State) (*event.Event, error) {
			return s.RunTasks(ctx)
		},
	}

	store, err := persistence.NewDefaultStore()
	if err != nil {
		slog.Error("failed to resolve persistence path, starting with no persisted state", "error", err)
		c.commitBoot(state.New(state.Disconnected, nil), "")
		return c
	}
	c.store = store
	c.bootstrap()
	return c
}

func (c *Connector) bootstrap() {
	params := c.store.Load()
	if params == nil {
		c.commitBoot(state.New(state.Disconnected, nil), "")
		return
	}

	entry, err := selectBackend(params.BackendTag)
	if err != nil {
		slog.Error("persisted backend no longer available, discarding persisted record",
			"category", "CONN", "subcategory", "PERSISTENCE", "event", "RESTORE",
			"backend", params.BackendTag, "error", err)
		c.commitBoot(state.New(state.Disconnected, nil), "")
		return
	}

	conn, err := entry.factory(
		capability.ServerDescriptor{ServerID: params.ServerID, ServerName: params.ServerName},
		capability.Credentials{},
		capability.Settings{KillSwitch: params.KillSwitch},
		params.ProtocolTag,
	)
	if err != nil {
		slog.Error("failed to reconstruct connection from persisted record",
			"category", "CONN", "subcategory", "PERSISTENCE", "event", "RESTORE", "error", err)
		c.commitBoot(state.New(state.Disconnected, nil), "")
		return
	}

	restored := conn.InitialState(context.Background(), *params)
	if restored != capability.RestoredConnected {
		c.commitBoot(state.New(state.Disconnected, nil), "")
		return
	}

	conn.Register(c.onEvent)
	c.commitBoot(state.New(state.Connected, conn), params.ServerID)
}

func (c *Connector) commitBoot(s *state.State, serverID string) {
	c.current.Store(s)
	c.lastServerID.Store(&serverID)
}

// Connect builds a new Connection via the backend registry (selected by
// priority when backendTag is empty), registers the connector's own
// callback on it, and injects Up(connection).
func (c *Connector) Connect(ctx context.Context, server capability.ServerDescriptor, creds capability.Credentials, settings capability.Settings, protocolTag, backendTag string) error {
	entry, err := selectBackend(backendTag)
	if err != nil {
		return err
	}
	conn, err := entry.factory(server, creds, settings, protocolTag)
	if err != nil {
		return err
	}
	conn.Register(c.onEvent)
	return c.dispatch(ctx, event.New(event.Up, conn))
}

// Disconnect injects Down(current_connection).
func (c *Connector) Disconnect(ctx context.Context) error {
	return c.dispatch(ctx, event.New(event.Down, c.CurrentConnection()))
}

// Subscribe delegates to the publisher.
func (c *Connector) Subscribe(fn publisher.Subscriber) error {
	return c.pub.Register(fn)
}

// Unsubscribe delegates to the publisher.
func (c *Connector) Unsubscribe(fn publisher.Subscriber) {
	c.pub.Unregister(fn)
}

// CurrentState returns the current lifecycle state.
func (c *Connector) CurrentState() *state.State {
	return c.current.Load()
}

// CurrentConnection returns the current state's connection, or nil.
func (c *Connector) CurrentConnection() capability.Connection {
	return c.current.Load().Connection()
}

// CurrentServerID returns the server ID of the connection behind the most
// recently committed state that had one (Connecting onwards, or the
// restored Connected state at boot), sticky across disconnects: after a
// teardown it still names the last server a connection was made for.
func (c *Connector) CurrentServerID() string {
	if p := c.lastServerID.Load(); p != nil {
		return *p
	}
	return ""
}

// IsConnectionOngoing reports whether the current state is neither
// Disconnected nor Error.
func (c *Connector) IsConnectionOngoing() bool {
	return isOngoing(c.current.Load())
}

func isOngoing(s *state.State) bool {
	k := s.Kind()
	return k != state.Disconnected && k != state.Error
}

// onEvent is the callback registered on every Connection. Backend-
// originated events have no synchronous caller to propagate a fatal
// dispatch error to, so it is logged here instead.
func (c *Connector) onEvent(e event.Event) {
	if err := c.dispatch(context.Background(), e); err != nil {
		slog.Error("fatal dispatch error", "error", err)
	}
}

// dispatch is the event processing loop: acquire the dispatch lock for
// the full critical section (state commit, concurrent task-run + notify,
// and any cascaded follow-up events), and release it only once the chain
// reaches quiescence.
func (c *Connector) dispatch(ctx context.Context, e event.Event) error {
	slog.Debug("received event", "event", e.Kind.String())

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	loopCount := 0
	for {
		loopCount++
		if loopCount > 99 {
			return ErrDispatchRunaway
		}

		current := c.current.Load()
		next, err := current.OnEvent(e)
		if err != nil {
			return err
		}
		if next == current {
			// True no-op, or the Disconnecting+Up in-place mutation: no
			// new state was committed, so there is nothing further to run.
			return nil
		}

		c.current.Store(next)
		if server := serverOf(next); server != nil && server.ServerID != "" {
			c.lastServerID.Store(&server.ServerID)
		}
		slog.Info("state changed",
			"category", "CONN", "subcategory", "DISPATCH", "event", "STATE_CHANGED",
			"from", current.Kind().String(), "to", next.Kind().String())

		if !isOngoing(next) {
			if conn := next.Connection(); conn != nil {
				conn.Unregister(c.onEvent)
			}
		}

		type taskResult struct {
			followUp *event.Event
			err      error
		}
		taskCh := make(chan taskResult, 1)
		go func(st *state.State) {
			followUp, err := c.runTasks(ctx, st)
			taskCh <- taskResult{followUp, err}
		}(next)

		c.pub.Notify(next)

		res := <-taskCh
		if res.err != nil {
			slog.Error("state task failed", "state", next.Kind().String(), "error", res.err)
		}
		if res.followUp == nil {
			return nil
		}
		e = *res.followUp
	}
}

func serverOf(s *state.State) *capability.ServerDescriptor {
	conn := s.Connection()
	if conn == nil {
		return nil
	}
	return conn.Server()
}
