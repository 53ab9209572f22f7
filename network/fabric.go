// Package network owns the host-side fabric shared by all realms: one
// bridge with NAT to the outside, one dnsmasq sidecar answering DHCP/DNS on
// the bridge, and per-realm TAP devices enslaved to it.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"github.com/projecteru2/core/log"
	"github.com/vishvananda/netlink"

	"github.com/islet-project/warden/config"
)

const ipForwardSysctl = "/proc/sys/net/ipv4/ip_forward"

// Fabric is the process-wide NAT network. Prepare once at daemon start,
// Shutdown once at exit; CreateTap/DeleteTap run per realm and are
// serialized by an internal lock so concurrent realm operations never race
// on link changes.
type Fabric struct {
	conf *config.Config

	mu      sync.Mutex
	bridge  netlink.Link
	ipt     *iptables.IPTables
	sidecar *Dnsmasq
	ip      net.IP
	subnet  *net.IPNet
}

// New creates an unprepared Fabric.
func New(conf *config.Config) *Fabric {
	return &Fabric{conf: conf}
}

// Prepare brings up the fabric: bridge + address, IP forwarding, NAT rules,
// dnsmasq. Any failure rolls back what was already done and is fatal to
// daemon startup.
func (f *Fabric) Prepare(ctx context.Context) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ip, subnet, err := net.ParseCIDR(f.conf.NetworkAddress)
	if err != nil {
		return fmt.Errorf("parse network address: %w", err)
	}
	f.ip, f.subnet = ip, subnet

	defer func() {
		if err != nil {
			f.teardownLocked(ctx)
		}
	}()

	if err = f.createBridge(); err != nil {
		return err
	}
	if err = os.WriteFile(ipForwardSysctl, []byte("1\n"), 0o644); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}
	if err = f.installNATRules(); err != nil {
		return err
	}

	f.sidecar = NewDnsmasq(f.conf)
	if err = f.sidecar.Start(ctx, f.ip, f.conf.BridgeName); err != nil {
		return fmt.Errorf("start dhcp sidecar: %w", err)
	}

	log.WithFunc("network.Prepare").Infof(ctx, "fabric up: bridge %s addr %s", f.conf.BridgeName, f.conf.NetworkAddress)
	return nil
}

func (f *Fabric) createBridge() error {
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: f.conf.BridgeName}}
	if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("add bridge %s: %w", f.conf.BridgeName, err)
	}
	link, err := netlink.LinkByName(f.conf.BridgeName)
	if err != nil {
		return fmt.Errorf("find bridge %s: %w", f.conf.BridgeName, err)
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: f.ip, Mask: f.subnet.Mask}}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("set bridge addr %s: %w", addr.IPNet, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set bridge %s up: %w", f.conf.BridgeName, err)
	}
	f.bridge = link
	return nil
}

type natRule struct {
	table string
	chain string
	spec  []string
}

// natRules is the fabric rule set: masquerade traffic leaving the realm
// subnet, and accept forwarding in both directions across the bridge.
func (f *Fabric) natRules() []natRule {
	cidr := f.subnet.String()
	return []natRule{
		{"nat", "POSTROUTING", []string{"-s", cidr, "!", "-d", cidr, "-j", "MASQUERADE"}},
		{"filter", "FORWARD", []string{"-i", f.conf.BridgeName, "-j", "ACCEPT"}},
		{"filter", "FORWARD", []string{"-o", f.conf.BridgeName, "-j", "ACCEPT"}},
	}
}

func (f *Fabric) installNATRules() error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("init iptables: %w", err)
	}
	f.ipt = ipt
	for _, rule := range f.natRules() {
		if err := ipt.AppendUnique(rule.table, rule.chain, rule.spec...); err != nil {
			return fmt.Errorf("install %s/%s rule: %w", rule.table, rule.chain, err)
		}
	}
	return nil
}

func (f *Fabric) removeNATRules(ctx context.Context) {
	if f.ipt == nil {
		return
	}
	logger := log.WithFunc("network.removeNATRules")
	for _, rule := range f.natRules() {
		if err := f.ipt.DeleteIfExists(rule.table, rule.chain, rule.spec...); err != nil {
			logger.Warnf(ctx, "delete %s/%s rule: %v", rule.table, rule.chain, err)
		}
	}
	f.ipt = nil
}

// CreateTap creates a persistent multi-queue TAP device owned by the
// daemon, brings it up and enslaves it to the bridge. The kernel rejects a
// name already in use, which is the canonical duplicate-TAP enforcement.
func (f *Fabric) CreateTap(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.bridge == nil {
		return fmt.Errorf("fabric is not prepared")
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_MULTI_QUEUE_DEFAULTS,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("add tap %s: %w", name, err)
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find tap %s: %w", name, err)
	}
	if err := netlink.LinkSetMaster(link, f.bridge); err != nil {
		_ = netlink.LinkDel(link)
		return fmt.Errorf("set tap %s master %s: %w", name, f.conf.BridgeName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		_ = netlink.LinkDel(link)
		return fmt.Errorf("set tap %s up: %w", name, err)
	}
	log.WithFunc("network.CreateTap").Infof(ctx, "tap %s up in bridge %s", name, f.conf.BridgeName)
	return nil
}

// DeleteTap removes a TAP device created by CreateTap. A device that is
// already gone is not an error: teardown paths may run twice.
func (f *Fabric) DeleteTap(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("find tap %s: %w", name, err)
	}
	if err := netlink.LinkSetNoMaster(link); err != nil {
		log.WithFunc("network.DeleteTap").Warnf(ctx, "detach tap %s: %v", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete tap %s: %w", name, err)
	}
	return nil
}

// Shutdown tears the fabric down in reverse order of Prepare. Best-effort:
// every step runs even if an earlier one fails, and the first error is
// returned.
func (f *Fabric) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teardownLocked(ctx)
}

func (f *Fabric) teardownLocked(ctx context.Context) error {
	var errs []error
	if f.sidecar != nil {
		if err := f.sidecar.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop dhcp sidecar: %w", err))
		}
		f.sidecar = nil
	}
	f.removeNATRules(ctx)
	if f.bridge != nil {
		if err := netlink.LinkDel(f.bridge); err != nil {
			errs = append(errs, fmt.Errorf("delete bridge %s: %w", f.conf.BridgeName, err))
		}
		f.bridge = nil
	}
	return errors.Join(errs...)
}
