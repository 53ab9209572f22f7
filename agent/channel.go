package agent

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/islet-project/warden/protocol"
	"github.com/islet-project/warden/types"
)

var (
	// ErrResponseTimeout: the guest did not answer within the per-request
	// window. The channel is closed; the realm needs a reboot.
	ErrResponseTimeout = errors.New("timeout waiting for realm response")
	// ErrDisconnected: the guest closed the stream.
	ErrDisconnected = errors.New("realm disconnected")
	// ErrProtocol: the guest answered with an error or an unexpected
	// message.
	ErrProtocol = errors.New("realm protocol error")
)

// Channel is the request/response endpoint to one realm's agent. The
// protocol is strictly synchronous: one outstanding request at a time,
// enforced by the channel's own lock.
type Channel struct {
	mu              sync.Mutex
	conn            net.Conn
	responseTimeout time.Duration
	closed          bool
}

// NewChannel wraps an accepted guest connection.
func NewChannel(conn net.Conn, responseTimeout time.Duration) *Channel {
	return &Channel{conn: conn, responseTimeout: responseTimeout}
}

// Close tears the stream down. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Channel) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// call sends one request and decodes one response. Transport errors and
// timeouts close the channel: after a lost or late frame the stream framing
// can no longer be trusted.
func (c *Channel) call(req *protocol.AgentRequest) (*protocol.AgentResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrDisconnected
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.responseTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	if err := protocol.WriteFrame(c.conn, req); err != nil {
		_ = c.closeLocked()
		return nil, c.mapTransportError(err)
	}
	var resp protocol.AgentResponse
	if err := protocol.ReadFrame(c.conn, &resp); err != nil {
		_ = c.closeLocked()
		return nil, c.mapTransportError(err)
	}
	return &resp, nil
}

func (c *Channel) mapTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrResponseTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrDisconnected
	}
	return fmt.Errorf("agent transport: %w", err)
}

// expectSuccess maps a decoded response to the Success/Error contract.
func expectSuccess(resp *protocol.AgentResponse) error {
	switch {
	case resp.Success != nil:
		return nil
	case resp.Error != nil:
		return fmt.Errorf("%w: %s", ErrProtocol, resp.Error.Msg)
	default:
		return fmt.Errorf("%w: unexpected response", ErrProtocol)
	}
}

// Provision declares the full application set to a freshly booted guest.
func (c *Channel) Provision(apps []types.ApplicationInfo) error {
	resp, err := c.call(&protocol.AgentRequest{ProvisionInfo: &protocol.ProvisionInfo{Apps: apps}})
	if err != nil {
		return err
	}
	return expectSuccess(resp)
}

// StartApp starts one application inside the guest.
func (c *Channel) StartApp(id uuid.UUID) error {
	resp, err := c.call(&protocol.AgentRequest{StartApp: &protocol.AppRef{ID: id}})
	if err != nil {
		return err
	}
	return expectSuccess(resp)
}

// StopApp stops one application, escalating to KillApp when the guest
// reports it cannot stop cleanly.
func (c *Channel) StopApp(id uuid.UUID) error {
	resp, err := c.call(&protocol.AgentRequest{StopApp: &protocol.AppRef{ID: id}})
	if err != nil {
		return err
	}
	if err := expectSuccess(resp); err != nil {
		if errors.Is(err, ErrProtocol) {
			return c.KillApp(id)
		}
		return err
	}
	return nil
}

// KillApp force-terminates one application.
func (c *Channel) KillApp(id uuid.UUID) error {
	resp, err := c.call(&protocol.AgentRequest{KillApp: &protocol.AppRef{ID: id}})
	if err != nil {
		return err
	}
	return expectSuccess(resp)
}

// CheckApp queries one application's run state.
func (c *Channel) CheckApp(id uuid.UUID) (*protocol.AppStatus, error) {
	resp, err := c.call(&protocol.AgentRequest{CheckAppStatus: &protocol.AppRef{ID: id}})
	if err != nil {
		return nil, err
	}
	switch {
	case resp.AppStatus != nil:
		return resp.AppStatus, nil
	case resp.Error != nil:
		return nil, fmt.Errorf("%w: %s", ErrProtocol, resp.Error.Msg)
	default:
		return nil, fmt.Errorf("%w: unexpected response", ErrProtocol)
	}
}

// Reboot asks the guest to reboot. The guest acks and closes; a clean
// disconnect instead of an ack is also taken as acceptance.
func (c *Channel) Reboot() error {
	return c.callAcceptingDisconnect(&protocol.AgentRequest{Reboot: &protocol.Empty{}})
}

// Shutdown asks the guest to power off. Same disconnect semantics as
// Reboot.
func (c *Channel) Shutdown() error {
	return c.callAcceptingDisconnect(&protocol.AgentRequest{Shutdown: &protocol.Empty{}})
}

func (c *Channel) callAcceptingDisconnect(req *protocol.AgentRequest) error {
	resp, err := c.call(req)
	if err != nil {
		if errors.Is(err, ErrDisconnected) {
			return nil
		}
		return err
	}
	if err := expectSuccess(resp); err != nil {
		return err
	}
	// The guest closes after acking; drop our end too.
	return c.Close()
}
