// Package main provides a reference command-line driver for the
// connection engine. It is not the public API (see the root connector
// package); it wires together the engine, the process backend and basic
// logging, so the engine's lifecycle can be exercised against a real
// tunnel binary from a shell. It reads everything it needs from a small
// set of environment variables instead of flags.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	connector "github.com/vpnkit/connector"
	_ "github.com/vpnkit/connector/backend/process"
	"github.com/vpnkit/connector/internal/capability"
	"github.com/vpnkit/connector/internal/logging"
	"github.com/vpnkit/connector/internal/state"
)

const defaultShutdownTimeout = 10 * time.Second

func main() {
	logging.SetupFromEnv()

	serverIP := os.Getenv("VPNKIT_SERVER_IP")
	if serverIP == "" {
		slog.Error("VPNKIT_SERVER_IP is required")
		os.Exit(1)
	}

	c := connector.GetInstance()
	c.Subscribe(func(s *state.State) {
		slog.Info("connection state", "state", s.Kind().String())
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	server := capability.ServerDescriptor{
		IP:         serverIP,
		ServerID:   os.Getenv("VPNKIT_SERVER_ID"),
		ServerName: os.Getenv("VPNKIT_SERVER_NAME"),
	}
	creds := capability.Credentials{
		Username: os.Getenv("VPNKIT_USERNAME"),
		Password: os.Getenv("VPNKIT_PASSWORD"),
	}
	settings := capability.Settings{
		KillSwitch: capability.KillSwitchOff,
	}

	if err := c.Connect(ctx, server, creds, settings, "openvpn", ""); err != nil {
		slog.Error("connect failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()

	disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer disconnectCancel()
	if err := c.Disconnect(disconnectCtx); err != nil {
		fmt.Fprintln(os.Stderr, "disconnect failed:", err)
		os.Exit(1)
	}
}
