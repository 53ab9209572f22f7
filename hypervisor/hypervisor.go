// Package hypervisor defines the contract between the realm lifecycle
// manager and the guest-VM process it owns.
package hypervisor

import (
	"context"

	"github.com/islet-project/warden/types"
)

// VM is a handle to one running guest process.
type VM interface {
	// Wait blocks until the process exits and returns its exit code.
	// Safe to call from multiple goroutines; all see the same result.
	Wait(ctx context.Context) (int, error)
	// Kill terminates the process: SIGTERM, a grace window, then SIGKILL.
	Kill(ctx context.Context) error
	// Alive reports whether the process is still running.
	Alive() bool
}

// Launcher spawns guest VMs from realm configuration.
type Launcher interface {
	Launch(ctx context.Context, realmID string, cfg *types.RealmConfig) (VM, error)
}
