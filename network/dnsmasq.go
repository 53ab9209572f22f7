package network

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/islet-project/warden/config"
	"github.com/islet-project/warden/utils"
)

// dhcpPoolStartOffset is where the lease pool begins relative to the bridge
// address; the bridge itself keeps the base address.
const dhcpPoolStartOffset = 1

const sidecarKillGrace = 5 * time.Second

// Dnsmasq supervises the one DHCP/DNS sidecar for the whole daemon.
type Dnsmasq struct {
	conf *config.Config
	cmd  *exec.Cmd
}

// NewDnsmasq creates an unstarted sidecar handle.
func NewDnsmasq(conf *config.Config) *Dnsmasq {
	return &Dnsmasq{conf: conf}
}

// Args builds the sidecar argv for the given bridge address. Split out so
// the flag set is testable without spawning anything.
func (d *Dnsmasq) Args(bridgeIP net.IP, bridgeName string) ([]string, error) {
	start, end, err := dhcpRange(bridgeIP, d.conf.DHCPConnections)
	if err != nil {
		return nil, err
	}
	args := []string{
		"-k",              // stay in foreground under our supervision
		"-C", "/dev/null", // no system config file
		"--interface=" + bridgeName,
		"--bind-interfaces",
		fmt.Sprintf("--dhcp-range=%s,%s", start, end),
		"--dhcp-authoritative",
		"--dhcp-no-override",
		"--leasefile-ro", // no lease cache survives a restart
		"--dhcp-leasefile=/dev/null",
	}
	for _, record := range d.conf.DNSRecords {
		args = append(args, "--address="+record)
	}
	return args, nil
}

// Start validates the binary and spawns dnsmasq bound to the bridge.
func (d *Dnsmasq) Start(ctx context.Context, bridgeIP net.IP, bridgeName string) error {
	if d.cmd != nil {
		return fmt.Errorf("dhcp sidecar already started")
	}
	if _, err := os.Stat(d.conf.DhcpExecPath); err != nil {
		return fmt.Errorf("dhcp binary %s: %w", d.conf.DhcpExecPath, err)
	}

	args, err := d.Args(bridgeIP, bridgeName)
	if err != nil {
		return err
	}
	cmd := exec.Command(d.conf.DhcpExecPath, args...)
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn dnsmasq: %w", err)
	}
	d.cmd = cmd
	log.WithFunc("network.Dnsmasq.Start").Infof(ctx, "dnsmasq pid %d on %s", cmd.Process.Pid, bridgeName)
	return nil
}

// Stop terminates the sidecar and reaps it.
func (d *Dnsmasq) Stop(ctx context.Context) error {
	if d.cmd == nil || d.cmd.Process == nil {
		return nil
	}
	pid := d.cmd.Process.Pid
	if err := utils.TerminateProcess(ctx, pid, sidecarKillGrace); err != nil {
		return fmt.Errorf("terminate dnsmasq pid %d: %w", pid, err)
	}
	_ = d.cmd.Wait()
	d.cmd = nil
	return nil
}

// dhcpRange derives the lease pool [base+1, base+connections] from the
// bridge address.
func dhcpRange(bridgeIP net.IP, connections uint8) (net.IP, net.IP, error) {
	start, err := addOffset(bridgeIP, dhcpPoolStartOffset)
	if err != nil {
		return nil, nil, err
	}
	end, err := addOffset(bridgeIP, int(connections))
	if err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

// addOffset returns ip + offset within the IPv4 address space.
func addOffset(ip net.IP, offset int) (net.IP, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("address %s is not IPv4", ip)
	}
	value := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
	value += uint32(offset)
	return net.IPv4(byte(value>>24), byte(value>>16), byte(value>>8), byte(value)).To4(), nil
}
