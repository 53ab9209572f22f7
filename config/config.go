package config

import (
	"fmt"
	"net"
	"path/filepath"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds the daemon configuration. Values come from flags, the
// WARDEN_* environment and an optional config file, merged by viper.
type Config struct {
	// QemuPath is the hypervisor binary launched per realm.
	QemuPath string `json:"qemu_path" mapstructure:"qemu_path"`
	// WorkdirPath is the persistence root holding one directory per realm.
	WorkdirPath string `json:"warden_workdir_path" mapstructure:"warden_workdir_path"`
	// UnixSockPath is the client RPC socket.
	UnixSockPath string `json:"unix_sock_path" mapstructure:"unix_sock_path"`
	// DhcpExecPath is the dnsmasq-compatible DHCP/DNS binary.
	DhcpExecPath string `json:"dhcp_exec_path" mapstructure:"dhcp_exec_path"`

	// CID and Port are the host side of the vsock agent listener.
	CID  uint32 `json:"cid" mapstructure:"cid"`
	Port uint32 `json:"port" mapstructure:"port"`

	// ConnectionWaitSecs bounds the agent handshake after a realm boots.
	ConnectionWaitSecs uint64 `json:"realm_connection_wait_time_secs" mapstructure:"realm_connection_wait_time_secs"`
	// ResponseWaitSecs bounds every single agent request.
	ResponseWaitSecs uint64 `json:"realm_response_wait_time_secs" mapstructure:"realm_response_wait_time_secs"`

	BridgeName      string   `json:"bridge_name" mapstructure:"bridge_name"`
	NetworkAddress  string   `json:"network_address" mapstructure:"network_address"`
	DHCPConnections uint8    `json:"dhcp_connections_number" mapstructure:"dhcp_connections_number"`
	DNSRecords      []string `json:"dns_records" mapstructure:"dns_records"`

	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with the documented defaults. Required
// paths stay empty and are caught by Validate.
func DefaultConfig() *Config {
	return &Config{
		CID:                2, // VMADDR_CID_HOST
		Port:               80,
		ConnectionWaitSecs: 60,
		ResponseWaitSecs:   10,
		BridgeName:         "virtbWarden",
		NetworkAddress:     "192.168.100.0/24",
		DHCPConnections:    20,
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	switch {
	case c.QemuPath == "":
		return fmt.Errorf("qemu_path is required")
	case c.WorkdirPath == "":
		return fmt.Errorf("warden_workdir_path is required")
	case c.UnixSockPath == "":
		return fmt.Errorf("unix_sock_path is required")
	case c.DhcpExecPath == "":
		return fmt.Errorf("dhcp_exec_path is required")
	case c.CID < 2:
		return fmt.Errorf("cid %d is reserved", c.CID)
	case c.Port < 80:
		return fmt.Errorf("port %d is below the allowed range", c.Port)
	case c.DHCPConnections == 0:
		return fmt.Errorf("dhcp_connections_number must be positive")
	}
	if _, _, err := net.ParseCIDR(c.NetworkAddress); err != nil {
		return fmt.Errorf("network_address %q: %w", c.NetworkAddress, err)
	}
	return nil
}

// WorkdirLock is the daemon-exclusivity lock file inside the workdir.
func (c *Config) WorkdirLock() string {
	return filepath.Join(c.WorkdirPath, ".warden.lock")
}

// RealmDir is the per-realm persistence directory.
func (c *Config) RealmDir(realmID string) string {
	return filepath.Join(c.WorkdirPath, realmID)
}

// RealmFile is the realm config record.
func (c *Config) RealmFile(realmID string) string {
	return filepath.Join(c.RealmDir(realmID), "realm.json")
}

// AppsDir holds the per-application records of one realm.
func (c *Config) AppsDir(realmID string) string {
	return filepath.Join(c.RealmDir(realmID), "apps")
}

// AppFile is one application record.
func (c *Config) AppFile(realmID, appID string) string {
	return filepath.Join(c.AppsDir(realmID), appID+".json")
}
