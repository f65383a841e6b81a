package state

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/vpnkit/connector/internal/capability"
	"github.com/vpnkit/connector/internal/event"
)

// RunTasks executes this state's entry side effects and optionally
// returns a follow-up event to be re-injected into the dispatcher. It is
// invoked by the Connector after the state is committed and concurrently
// with publisher notification; the Connector, not this method, is
// responsible for that concurrency.
func (s *State) RunTasks(ctx context.Context) (*event.Event, error) {
	switch s.kind {
	case Disconnected:
		return s.runDisconnected(ctx)
	case Connecting:
		return nil, s.runConnecting(ctx)
	case Connected:
		return nil, s.runConnected(ctx)
	case Disconnecting:
		return nil, s.connection.Stop(ctx)
	case Error:
		return nil, s.connection.Stop(ctx)
	}
	return nil, nil
}

func (s *State) runDisconnected(ctx context.Context) (*event.Event, error) {
	if s.connection == nil {
		return nil, nil
	}
	if s.reconnection != nil {
		up := event.New(event.Up, s.reconnection)
		return &up, nil
	}

	conn := s.connection
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.DisableIPv6LeakProtection(gctx) })
	if conn.KillSwitchSetting() != capability.KillSwitchPermanent {
		g.Go(func() error { return conn.DisableKillSwitch(gctx) })
	}
	g.Go(func() error { return conn.RemovePersistence(gctx) })
	return nil, g.Wait()
}

func (s *State) runConnecting(ctx context.Context) error {
	conn := s.connection
	if err := conn.EnableIPv6LeakProtection(ctx); err != nil {
		return err
	}
	switch conn.KillSwitchSetting() {
	case capability.KillSwitchOn, capability.KillSwitchPermanent:
		if err := conn.EnableKillSwitch(ctx, conn.Server()); err != nil {
			return err
		}
	}
	return conn.Start(ctx)
}

func (s *State) runConnected(ctx context.Context) error {
	conn := s.connection
	if conn.KillSwitchSetting() != capability.KillSwitchOff {
		if err := conn.EnableKillSwitch(ctx, nil); err != nil {
			return err
		}
	}
	return conn.AddPersistence(ctx)
}
