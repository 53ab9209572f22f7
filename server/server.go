// Package server exposes the warden registry over a unix-domain stream
// socket. Each accepted connection is served by its own goroutine and
// handled sequentially: one length-prefixed JSON request frame in, one
// response frame out. Requests for different realms still run concurrently
// because each connection is independent.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/islet-project/warden/agent"
	"github.com/islet-project/warden/protocol"
	"github.com/islet-project/warden/realm"
	"github.com/islet-project/warden/store"
	"github.com/islet-project/warden/types"
	"github.com/islet-project/warden/warden"
)

// drainTimeout bounds how long Shutdown waits for in-flight requests.
const drainTimeout = 30 * time.Second

// Server is the client RPC endpoint.
type Server struct {
	warden   *warden.Warden
	listener net.Listener

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// Listen binds the unix socket, removing a stale socket file from a
// previous unclean exit.
func Listen(sockPath string, w *warden.Warden) (*Server, error) {
	_ = os.Remove(sockPath)
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", sockPath, err)
	}
	return &Server{
		warden:   w,
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Serve accepts connections until Shutdown. Always returns a non-nil error;
// net.ErrClosed after a clean Shutdown.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return net.ErrClosed
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			return net.ErrClosed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// serveConn handles one client until it disconnects. A client disconnect
// mid-request does not cancel the in-flight operation: a half-started realm
// would leak otherwise. Only the response is discarded.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	logger := log.WithFunc("server.serveConn")
	for {
		var req protocol.Request
		if err := protocol.ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warnf(ctx, "read request: %v", err)
			}
			return
		}
		resp := s.dispatch(ctx, &req)
		if err := protocol.WriteFrame(conn, resp); err != nil {
			logger.Warnf(ctx, "write response: %v", err)
			return
		}
	}
}

// dispatch routes one request to the registry and maps the outcome onto the
// wire union.
func (s *Server) dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	switch {
	case req.CreateRealm != nil:
		id, err := s.warden.CreateRealm(ctx, req.CreateRealm.Config)
		if err != nil {
			return errorResponse(err)
		}
		return &protocol.Response{CreatedRealm: &protocol.CreatedRealm{UUID: id}}

	case req.StartRealm != nil:
		return s.realmOp(ctx, req.StartRealm.UUID, (*realm.Manager).Start)

	case req.StopRealm != nil:
		return s.realmOp(ctx, req.StopRealm.UUID, (*realm.Manager).Stop)

	case req.RebootRealm != nil:
		return s.realmOp(ctx, req.RebootRealm.UUID, (*realm.Manager).Reboot)

	case req.DestroyRealm != nil:
		if err := s.warden.DestroyRealm(ctx, req.DestroyRealm.UUID); err != nil {
			return errorResponse(err)
		}
		return okResponse()

	case req.InspectRealm != nil:
		manager, err := s.warden.Get(req.InspectRealm.UUID)
		if err != nil {
			return errorResponse(err)
		}
		return &protocol.Response{InspectedRealm: &protocol.InspectedRealm{Description: manager.Inspect()}}

	case req.ListRealms != nil:
		return &protocol.Response{ListedRealms: &protocol.ListedRealms{Descriptions: s.warden.List()}}

	case req.CreateApplication != nil:
		manager, err := s.warden.Get(req.CreateApplication.UUID)
		if err != nil {
			return errorResponse(err)
		}
		appID, err := manager.CreateApp(ctx, req.CreateApplication.Config)
		if err != nil {
			return errorResponse(err)
		}
		return &protocol.Response{CreatedApplication: &protocol.CreatedApplication{UUID: appID}}

	case req.UpdateApplication != nil:
		manager, err := s.warden.Get(req.UpdateApplication.UUID)
		if err != nil {
			return errorResponse(err)
		}
		if err := manager.UpdateApp(ctx, req.UpdateApplication.App, req.UpdateApplication.Config); err != nil {
			return errorResponse(err)
		}
		return okResponse()

	case req.StartApplication != nil:
		manager, err := s.warden.Get(req.StartApplication.UUID)
		if err != nil {
			return errorResponse(err)
		}
		if err := manager.StartApp(ctx, req.StartApplication.App); err != nil {
			return errorResponse(err)
		}
		return okResponse()

	case req.StopApplication != nil:
		manager, err := s.warden.Get(req.StopApplication.UUID)
		if err != nil {
			return errorResponse(err)
		}
		if err := manager.StopApp(ctx, req.StopApplication.App); err != nil {
			return errorResponse(err)
		}
		return okResponse()

	default:
		return errorResponse(fmt.Errorf("unrecognized request"))
	}
}

func (s *Server) realmOp(ctx context.Context, id uuid.UUID, op func(*realm.Manager, context.Context) error) *protocol.Response {
	manager, err := s.warden.Get(id)
	if err != nil {
		return errorResponse(err)
	}
	if err := op(manager, ctx); err != nil {
		return errorResponse(err)
	}
	return okResponse()
}

func okResponse() *protocol.Response {
	return &protocol.Response{Ok: &protocol.Ok{}}
}

// errorResponse maps internal sentinels onto the wire error kinds.
func errorResponse(err error) *protocol.Response {
	kind := protocol.ErrInternal
	switch {
	case errors.Is(err, warden.ErrNoSuchRealm), errors.Is(err, store.ErrNotFound):
		kind = protocol.ErrRealmNotFound
	case errors.Is(err, realm.ErrAppNotFound):
		kind = protocol.ErrApplicationNotFound
	case errors.Is(err, realm.ErrInvalidState):
		kind = protocol.ErrInvalidRealmState
	case errors.Is(err, agent.ErrConnectionTimeout):
		kind = protocol.ErrRealmConnectionTimeout
	case errors.Is(err, agent.ErrResponseTimeout):
		kind = protocol.ErrRealmResponseTimeout
	case errors.Is(err, agent.ErrProtocol), errors.Is(err, agent.ErrDisconnected):
		kind = protocol.ErrRealmProtocolError
	case errors.Is(err, realm.ErrHypervisor):
		kind = protocol.ErrHypervisorError
	case errors.Is(err, realm.ErrNetwork):
		kind = protocol.ErrNetworkError
	case errors.Is(err, realm.ErrPersistence):
		kind = protocol.ErrPersistenceError
	case errors.Is(err, types.ErrInvalidConfig):
		kind = protocol.ErrInvalidConfig
	}
	return &protocol.Response{Error: &protocol.Error{Kind: kind, Msg: err.Error()}}
}

// Shutdown stops accepting, waits (bounded) for in-flight requests, then
// closes lingering connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
	case <-ctx.Done():
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	return err
}
