package types

import "github.com/google/uuid"

// RealmState is the runtime lifecycle state of a realm. It is never
// persisted: a daemon restart implies every realm is Halted.
type RealmState string

const (
	RealmStateHalted       RealmState = "Halted"       // no guest VM process
	RealmStateProvisioning RealmState = "Provisioning" // VM up, waiting for the agent handshake
	RealmStateRunning      RealmState = "Running"      // agent acked provisioning
	RealmStateNeedReboot   RealmState = "NeedReboot"   // agent channel lost, VM state unknown
)

// RealmConfig describes the machine a realm boots on. It is persisted in
// <workdir>/<uuid>/realm.json under "config", next to the realm id.
type RealmConfig struct {
	Machine string        `json:"machine"`
	CPU     CPUConfig     `json:"cpu"`
	Memory  MemoryConfig  `json:"memory"`
	Network NetworkConfig `json:"network"`
	Kernel  KernelConfig  `json:"kernel"`
}

type CPUConfig struct {
	CPU         string `json:"cpu"`
	CoresNumber int    `json:"cores_number"`
}

type MemoryConfig struct {
	// RAMSize is the guest RAM in megabytes.
	RAMSize int `json:"ram_size"`
}

// NetworkConfig is the realm's network attachment. TAP name and vsock CID
// are client-allocated; the kernel rejects duplicates at creation time.
type NetworkConfig struct {
	VsockCID       uint32 `json:"vsock_cid"`
	TapDevice      string `json:"tap_device"`
	MacAddress     string `json:"mac_address"`
	HardwareDevice string `json:"hardware_device"`
	// RemoteTerminalURI, when set, is handed to the hypervisor verbatim as a
	// serial target. Empty means the VM runs headless.
	RemoteTerminalURI string `json:"remote_terminal_uri,omitempty"`
}

type KernelConfig struct {
	KernelPath     string `json:"kernel_path"`
	InitramfsPath  string `json:"kernel_initramfs_path,omitempty"`
	KernelCmdExtra string `json:"kernel_cmd_params,omitempty"`
	// InitParams are appended to the kernel command line after KernelCmdExtra.
	InitParams []string `json:"kernel_init_params,omitempty"`
}

// Realm is the persisted shape of one realm: identity, machine config and
// application set. Runtime state lives in the realm manager only.
type Realm struct {
	ID     uuid.UUID                  `json:"id"`
	Config RealmConfig                `json:"config"`
	Apps   map[uuid.UUID]*Application `json:"-"`
}

// RealmDescription is the client-facing snapshot returned by inspect/list.
type RealmDescription struct {
	ID           uuid.UUID                `json:"id"`
	State        RealmState               `json:"state"`
	Applications []ApplicationDescription `json:"applications"`
}
