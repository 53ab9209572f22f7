// Package agent speaks the provisioning protocol with the in-guest agent
// over vsock. One Listener serves the whole daemon: realm managers register
// a waiter for their guest's CID before spawning the hypervisor, and the
// accept loop routes each incoming connection to the matching waiter.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/projecteru2/core/log"
)

var (
	// ErrConnectionTimeout: the guest never connected within the handshake
	// window.
	ErrConnectionTimeout = errors.New("timeout waiting for realm connection")
	// ErrCIDBusy: a waiter for this CID is already registered.
	ErrCIDBusy = errors.New("a realm with this vsock CID is already starting")
)

// PeerCIDFunc extracts the guest context id from an accepted connection.
type PeerCIDFunc func(net.Conn) (uint32, bool)

// VsockPeerCID reads the CID from a vsock connection's remote address.
func VsockPeerCID(conn net.Conn) (uint32, bool) {
	addr, ok := conn.RemoteAddr().(*vsock.Addr)
	if !ok {
		return 0, false
	}
	return addr.ContextID, true
}

// Listener demultiplexes guest connections by peer CID.
type Listener struct {
	inner   net.Listener
	peerCID PeerCIDFunc

	mu      sync.Mutex
	waiters map[uint32]chan net.Conn
	closed  bool
}

// ListenVsock binds the host vsock endpoint (cid, port) and returns a
// running Listener.
func ListenVsock(ctx context.Context, cid, port uint32) (*Listener, error) {
	inner, err := vsock.ListenContextID(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock listen (%d,%d): %w", cid, port, err)
	}
	l := NewListener(inner, VsockPeerCID)
	go l.acceptLoop(ctx)
	return l, nil
}

// NewListener wraps an arbitrary stream listener. The caller runs Serve;
// production use goes through ListenVsock, tests inject pipes.
func NewListener(inner net.Listener, peerCID PeerCIDFunc) *Listener {
	return &Listener{
		inner:   inner,
		peerCID: peerCID,
		waiters: make(map[uint32]chan net.Conn),
	}
}

// Serve runs the accept loop until the listener is closed.
func (l *Listener) Serve(ctx context.Context) {
	l.acceptLoop(ctx)
}

func (l *Listener) acceptLoop(ctx context.Context) {
	logger := log.WithFunc("agent.acceptLoop")
	for {
		conn, err := l.inner.Accept()
		if err != nil {
			if !l.isClosed() {
				logger.Warnf(ctx, "agent accept: %v", err)
			}
			return
		}
		l.route(ctx, conn)
	}
}

// route hands the connection to the waiter registered for its CID. A guest
// nobody is waiting for is disconnected immediately.
func (l *Listener) route(ctx context.Context, conn net.Conn) {
	logger := log.WithFunc("agent.route")
	cid, ok := l.peerCID(conn)
	if !ok {
		logger.Warnf(ctx, "agent connection without a vsock peer address, dropping")
		_ = conn.Close()
		return
	}

	l.mu.Lock()
	waiter := l.waiters[cid]
	delete(l.waiters, cid)
	l.mu.Unlock()

	if waiter == nil {
		logger.Warnf(ctx, "unexpected agent connection from cid %d, dropping", cid)
		_ = conn.Close()
		return
	}
	waiter <- conn
}

// Register reserves the CID for one pending realm start. Must be called
// before the hypervisor is spawned so an early-connecting guest is never
// dropped.
func (l *Listener) Register(cid uint32) (*Waiter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.waiters[cid]; busy {
		return nil, ErrCIDBusy
	}
	ch := make(chan net.Conn, 1)
	l.waiters[cid] = ch
	return &Waiter{listener: l, cid: cid, ch: ch}, nil
}

func (l *Listener) unregister(cid uint32, ch chan net.Conn) {
	l.mu.Lock()
	if l.waiters[cid] == ch {
		delete(l.waiters, cid)
	}
	l.mu.Unlock()
	// A connection may have been routed concurrently; close it.
	select {
	case conn := <-ch:
		_ = conn.Close()
	default:
	}
}

// Close stops the accept loop.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.inner.Close()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Waiter is one realm's claim on an incoming guest connection.
type Waiter struct {
	listener *Listener
	cid      uint32
	ch       chan net.Conn
}

// Await blocks until the guest connects, the wait time elapses, or ctx is
// cancelled. The waiter is spent afterwards either way.
func (w *Waiter) Await(ctx context.Context, wait time.Duration, responseTimeout time.Duration) (*Channel, error) {
	select {
	case conn := <-w.ch:
		return NewChannel(conn, responseTimeout), nil
	case <-time.After(wait):
		w.Cancel()
		return nil, ErrConnectionTimeout
	case <-ctx.Done():
		w.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel releases the CID reservation, closing a connection that raced in.
func (w *Waiter) Cancel() {
	w.listener.unregister(w.cid, w.ch)
}
