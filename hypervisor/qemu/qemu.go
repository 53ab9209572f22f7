// Package qemu launches realm guests with a QEMU-compatible hypervisor
// binary, translating RealmConfig into argv.
package qemu

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/islet-project/warden/hypervisor"
	"github.com/islet-project/warden/types"
)

const killGracePeriod = 5 * time.Second

var _ hypervisor.Launcher = (*Launcher)(nil)

// Launcher builds and spawns QEMU processes.
type Launcher struct {
	qemuPath string
}

// New creates a Launcher for the given hypervisor binary.
func New(qemuPath string) *Launcher {
	return &Launcher{qemuPath: qemuPath}
}

// BuildArgs translates a realm config into the hypervisor argv. Exposed for
// tests; Launch is a thin spawn around it.
func BuildArgs(cfg *types.RealmConfig) []string {
	args := []string{
		"-machine", cfg.Machine,
		"-cpu", cfg.CPU.CPU,
		"-smp", strconv.Itoa(cfg.CPU.CoresNumber),
		"-m", strconv.Itoa(cfg.Memory.RAMSize),
		"-kernel", cfg.Kernel.KernelPath,
	}
	if cfg.Kernel.InitramfsPath != "" {
		args = append(args, "-initrd", cfg.Kernel.InitramfsPath)
	}
	if cmdline := kernelCmdline(&cfg.Kernel); cmdline != "" {
		args = append(args, "-append", cmdline)
	}
	args = append(args,
		"-netdev", fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", cfg.Network.TapDevice),
		"-device", fmt.Sprintf("%s,netdev=net0,mac=%s", cfg.Network.HardwareDevice, cfg.Network.MacAddress),
		"-device", fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", cfg.Network.VsockCID),
	)
	if cfg.Network.RemoteTerminalURI != "" {
		args = append(args, "-serial", cfg.Network.RemoteTerminalURI)
	} else {
		args = append(args, "-nographic")
	}
	// The daemon owns restarts: a guest-initiated reboot must exit the
	// process so the manager can observe it.
	args = append(args, "-no-reboot")
	return args
}

func kernelCmdline(cfg *types.KernelConfig) string {
	parts := make([]string, 0, 1+len(cfg.InitParams))
	if cfg.KernelCmdExtra != "" {
		parts = append(parts, cfg.KernelCmdExtra)
	}
	parts = append(parts, cfg.InitParams...)
	return strings.Join(parts, " ")
}

// Launch spawns the hypervisor with stdio captured. Stderr is line-logged
// at debug level under the realm id.
func (l *Launcher) Launch(ctx context.Context, realmID string, cfg *types.RealmConfig) (hypervisor.VM, error) {
	cmd := exec.Command(l.qemuPath, BuildArgs(cfg)...) //nolint:gosec
	cmd.Stdin = nil

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe stderr: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe stdout: %w", err)
	}

	logger := log.WithFunc("qemu.Launch")
	logger.Infof(ctx, "spawning realm %s: %s %s", realmID, l.qemuPath, strings.Join(BuildArgs(cfg), " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec %s: %w", l.qemuPath, err)
	}

	vm := &vmHandle{cmd: cmd, done: make(chan struct{})}
	go drain(ctx, realmID, "stderr", bufio.NewScanner(stderr))
	go drain(ctx, realmID, "stdout", bufio.NewScanner(stdout))
	go vm.reap()
	return vm, nil
}

func drain(ctx context.Context, realmID, stream string, scanner *bufio.Scanner) {
	logger := log.WithFunc("qemu.drain")
	for scanner.Scan() {
		logger.Debugf(ctx, "realm %s %s: %s", realmID, stream, scanner.Text())
	}
}

// vmHandle owns one child process. reap runs cmd.Wait exactly once; Wait
// and Kill observe the result through the done channel.
type vmHandle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

func (v *vmHandle) reap() {
	err := v.cmd.Wait()
	v.mu.Lock()
	if v.cmd.ProcessState != nil {
		v.exitCode = v.cmd.ProcessState.ExitCode()
	} else {
		v.waitErr = err
	}
	v.mu.Unlock()
	close(v.done)
}

func (v *vmHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-v.done:
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.exitCode, v.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (v *vmHandle) Alive() bool {
	select {
	case <-v.done:
		return false
	default:
		return true
	}
}

// Kill terminates the child: SIGTERM first, SIGKILL after the grace window.
// Returns once the process has been reaped.
func (v *vmHandle) Kill(ctx context.Context) error {
	if !v.Alive() {
		return nil
	}
	_ = v.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-v.done:
		return nil
	case <-time.After(killGracePeriod):
	case <-ctx.Done():
	}
	if v.Alive() {
		_ = v.cmd.Process.Kill()
	}
	select {
	case <-v.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
