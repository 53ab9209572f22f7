// Package client is a thin RPC client for the warden daemon's unix socket,
// one method per request. Used by the warden CLI and by integration tests.
package client

import (
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/islet-project/warden/protocol"
	"github.com/islet-project/warden/types"
)

// Client is one connection to the daemon carrying one request at a time.
// It holds no lock and is not safe for concurrent use; open more clients
// for parallelism.
type Client struct {
	conn net.Conn
}

// Dial connects to the daemon socket.
func Dial(sockPath string) (*Client, error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", sockPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(req *protocol.Request) (*protocol.Response, error) {
	if err := protocol.WriteFrame(c.conn, req); err != nil {
		return nil, err
	}
	var resp protocol.Response
	if err := protocol.ReadFrame(c.conn, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &resp, nil
}

func (c *Client) callOk(req *protocol.Request) error {
	resp, err := c.call(req)
	if err != nil {
		return err
	}
	if resp.Ok == nil {
		return fmt.Errorf("unexpected response")
	}
	return nil
}

// CreateRealm registers a new realm and returns its id.
func (c *Client) CreateRealm(cfg types.RealmConfig) (uuid.UUID, error) {
	resp, err := c.call(&protocol.Request{CreateRealm: &protocol.CreateRealm{Config: cfg}})
	if err != nil {
		return uuid.Nil, err
	}
	if resp.CreatedRealm == nil {
		return uuid.Nil, fmt.Errorf("unexpected response")
	}
	return resp.CreatedRealm.UUID, nil
}

// StartRealm boots a realm.
func (c *Client) StartRealm(id uuid.UUID) error {
	return c.callOk(&protocol.Request{StartRealm: &protocol.RealmTarget{UUID: id}})
}

// StopRealm shuts a realm down.
func (c *Client) StopRealm(id uuid.UUID) error {
	return c.callOk(&protocol.Request{StopRealm: &protocol.RealmTarget{UUID: id}})
}

// RebootRealm restarts a realm's guest.
func (c *Client) RebootRealm(id uuid.UUID) error {
	return c.callOk(&protocol.Request{RebootRealm: &protocol.RealmTarget{UUID: id}})
}

// DestroyRealm removes a realm and its persistence.
func (c *Client) DestroyRealm(id uuid.UUID) error {
	return c.callOk(&protocol.Request{DestroyRealm: &protocol.RealmTarget{UUID: id}})
}

// InspectRealm returns a realm's description.
func (c *Client) InspectRealm(id uuid.UUID) (*types.RealmDescription, error) {
	resp, err := c.call(&protocol.Request{InspectRealm: &protocol.RealmTarget{UUID: id}})
	if err != nil {
		return nil, err
	}
	if resp.InspectedRealm == nil {
		return nil, fmt.Errorf("unexpected response")
	}
	return &resp.InspectedRealm.Description, nil
}

// ListRealms returns every realm's description.
func (c *Client) ListRealms() ([]types.RealmDescription, error) {
	resp, err := c.call(&protocol.Request{ListRealms: &protocol.ListRealms{}})
	if err != nil {
		return nil, err
	}
	if resp.ListedRealms == nil {
		return nil, fmt.Errorf("unexpected response")
	}
	return resp.ListedRealms.Descriptions, nil
}

// CreateApplication registers an application on a halted realm.
func (c *Client) CreateApplication(realmID uuid.UUID, cfg types.ApplicationConfig) (uuid.UUID, error) {
	resp, err := c.call(&protocol.Request{CreateApplication: &protocol.CreateApplication{UUID: realmID, Config: cfg}})
	if err != nil {
		return uuid.Nil, err
	}
	if resp.CreatedApplication == nil {
		return uuid.Nil, fmt.Errorf("unexpected response")
	}
	return resp.CreatedApplication.UUID, nil
}

// UpdateApplication replaces an application's config.
func (c *Client) UpdateApplication(realmID, appID uuid.UUID, cfg types.ApplicationConfig) error {
	return c.callOk(&protocol.Request{UpdateApplication: &protocol.UpdateApplication{UUID: realmID, App: appID, Config: cfg}})
}

// StartApplication starts an application inside a running realm.
func (c *Client) StartApplication(realmID, appID uuid.UUID) error {
	return c.callOk(&protocol.Request{StartApplication: &protocol.ApplicationTarget{UUID: realmID, App: appID}})
}

// StopApplication stops an application inside a running realm.
func (c *Client) StopApplication(realmID, appID uuid.UUID) error {
	return c.callOk(&protocol.Request{StopApplication: &protocol.ApplicationTarget{UUID: realmID, App: appID}})
}
