// Package daemon wires the warden subsystems together and owns their
// startup and shutdown ordering: config → store (which takes workdir
// ownership) → fabric → agent listener → registry rehydration → RPC
// server. Teardown runs in reverse, both on startup failure and on
// graceful exit.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/islet-project/warden/agent"
	"github.com/islet-project/warden/config"
	"github.com/islet-project/warden/hypervisor/qemu"
	"github.com/islet-project/warden/network"
	"github.com/islet-project/warden/realm"
	"github.com/islet-project/warden/server"
	"github.com/islet-project/warden/store"
	"github.com/islet-project/warden/warden"
)

// childExitGrace is added to the response wait time to form the window
// between a requested guest power-off and a forced kill during realm stop.
const childExitGrace = 10 * time.Second

// vsockConnector adapts the process-wide agent listener to the interface
// the realm managers consume.
type vsockConnector struct {
	listener *agent.Listener
}

func (c vsockConnector) Register(cid uint32) (realm.Waiter, error) {
	waiter, err := c.listener.Register(cid)
	if err != nil {
		return nil, err
	}
	return vsockWaiter{waiter}, nil
}

type vsockWaiter struct {
	waiter *agent.Waiter
}

func (w vsockWaiter) Await(ctx context.Context, wait, responseTimeout time.Duration) (realm.Channel, error) {
	channel, err := w.waiter.Await(ctx, wait, responseTimeout)
	if err != nil {
		return nil, err
	}
	return channel, nil
}

func (w vsockWaiter) Cancel() { w.waiter.Cancel() }

// Run starts the daemon and blocks until ctx is cancelled (termination
// signal) or a fatal error occurs. Completed startup steps are torn down in
// reverse on any failure.
func Run(ctx context.Context, conf *config.Config) error {
	logger := log.WithFunc("daemon.Run")

	if err := conf.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// The store takes exclusive ownership of the workdir: a second daemon
	// pointed at the same persistence root fails here.
	st, err := store.New(conf)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	fabric := network.New(conf)
	if err := fabric.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare network fabric: %w", err)
	}
	defer func() {
		if err := fabric.Shutdown(context.Background()); err != nil {
			logger.Warnf(ctx, "fabric shutdown: %v", err)
		}
	}()

	listener, err := agent.ListenVsock(ctx, conf.CID, conf.Port)
	if err != nil {
		return fmt.Errorf("agent listener: %w", err)
	}
	defer listener.Close() //nolint:errcheck

	timeouts := realm.Timeouts{
		ConnectionWait: time.Duration(conf.ConnectionWaitSecs) * time.Second,
		ResponseWait:   time.Duration(conf.ResponseWaitSecs) * time.Second,
		ChildExitGrace: childExitGrace,
	}
	registry := warden.New(timeouts, st, fabric, qemu.New(conf.QemuPath), vsockConnector{listener})
	if err := registry.LoadAll(ctx); err != nil {
		return err
	}

	srv, err := server.Listen(conf.UnixSockPath, registry)
	if err != nil {
		return err
	}
	defer os.Remove(conf.UnixSockPath) //nolint:errcheck

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()
	logger.Infof(ctx, "warden daemon listening on %s", conf.UnixSockPath)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("rpc server: %w", err)
		}
	}

	// Graceful shutdown: quiesce the server, then stop every realm in
	// parallel. The deferred teardown handles listener and fabric.
	logger.Infof(ctx, "shutting down")
	shutdownCtx := context.Background()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Warnf(ctx, "server shutdown: %v", err)
	}
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Warnf(ctx, "stop realms: %v", err)
	}
	return nil
}
