package network

import (
	"context"
	"fmt"
	"net"

	"github.com/netemu/mmns/netlink"
	"github.com/netemu/mmns/platform"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	utilnet "k8s.io/utils/net"
)

const (
	DefaultBridgeName = "br-nat"
	DefaultSubnet     = "10.10.0.0/24"
	DefaultExternalIf = "eth0"

	ipForwardPath    = "/proc/sys/net/ipv4/ip_forward"
	bridgePeerSuffix = "-br"
	firstHostOctet   = 2
)

type BridgeOptions struct {
	Name       string
	Subnet     string
	ExternalIf string
}

// Bridge is a NAT bridge giving hosts external connectivity. It also
// allocates host addresses from its subnet, starting at .2.
type Bridge struct {
	Name       string
	Subnet     *net.IPNet
	ExternalIf string

	created   bool
	ruleAdded bool
	next      uint32
	used      map[uint32]bool
	ports     []string
}

// Gateway is the bridge's own address, the first host of the subnet.
func (b *Bridge) Gateway() net.IP {
	// newBridge guarantees the subnet has room for it.
	ip, _ := utilnet.GetIndexedIP(b.Subnet, 1)
	return ip
}

func (b *Bridge) masqueradeRule() []string {
	return []string{"POSTROUTING", "-s", b.Subnet.String(), "-o", b.ExternalIf, "-j", "MASQUERADE"}
}

// address returns the host address at offset inside the subnet. The network
// and broadcast addresses and the gateway are never handed out.
func (b *Bridge) address(offset uint32) (*net.IPNet, error) {
	if offset < firstHostOctet || int64(offset) >= utilnet.RangeSize(b.Subnet)-1 {
		return nil, newErrorBridge(fmt.Sprintf("host offset %d outside %s", offset, b.Subnet))
	}
	ip, err := utilnet.GetIndexedIP(b.Subnet, int(offset))
	if err != nil {
		return nil, newErrorBridge(err.Error())
	}
	return &net.IPNet{IP: ip, Mask: b.Subnet.Mask}, nil
}

func newBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Name == "" {
		opts.Name = DefaultBridgeName
	}
	if opts.Subnet == "" {
		opts.Subnet = DefaultSubnet
	}
	if opts.ExternalIf == "" {
		opts.ExternalIf = DefaultExternalIf
	}
	if len(opts.Name) > maxIfNameLen {
		return nil, newErrorInvalidName("bridge name " + opts.Name + " is too long")
	}

	_, subnet, err := net.ParseCIDR(opts.Subnet)
	if err != nil || !utilnet.IsIPv4CIDR(subnet) || subnet.IP.To4()[0] == 0 {
		return nil, newErrorBridge("invalid IPv4 subnet " + opts.Subnet)
	}
	if utilnet.RangeSize(subnet) < 4 {
		return nil, newErrorBridge("subnet " + opts.Subnet + " has no room for hosts")
	}
	return &Bridge{Name: opts.Name, Subnet: subnet, ExternalIf: opts.ExternalIf, next: firstHostOctet, used: make(map[uint32]bool)}, nil
}

// EnsureNATBridge returns the named bridge, creating it if needed: the bridge
// gets the subnet's first address, forwarding is enabled and a MASQUERADE
// rule for the subnet is added unless already present.
func (r *Registry) EnsureNATBridge(ctx context.Context, opts BridgeOptions) (*Bridge, error) {
	b, err := newBridge(opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.bridges {
		if existing.Name == b.Name {
			return existing, nil
		}
	}

	exists, err := r.netlink.LinkExists(netlink.RootNs, b.Name)
	if err != nil {
		return nil, newErrorBridge(err.Error())
	}
	if exists {
		r.logger.Info("using existing bridge", zap.String("bridge", b.Name))
	} else {
		r.logger.Info("creating NAT bridge", zap.String("bridge", b.Name), zap.String("subnet", b.Subnet.String()))
		if err := r.netlink.AddBridge(b.Name); err != nil {
			return nil, newErrorBridge(err.Error())
		}
		b.created = true
		gw := &net.IPNet{IP: b.Gateway(), Mask: b.Subnet.Mask}
		if err := r.netlink.AddIPAddress(netlink.RootNs, b.Name, gw); err != nil {
			return nil, r.abandonBridge(b, err)
		}
		if err := r.netlink.SetLinkState(netlink.RootNs, b.Name, true); err != nil {
			return nil, r.abandonBridge(b, err)
		}
	}

	if err := afero.WriteFile(r.fs, ipForwardPath, []byte("1\n"), 0o644); err != nil {
		return nil, r.abandonBridge(b, errors.Wrap(err, "failed to enable ip forwarding"))
	}
	if err := r.ensureMasquerade(ctx, b); err != nil {
		return nil, r.abandonBridge(b, err)
	}

	r.bridges = append(r.bridges, b)
	return b, nil
}

func (r *Registry) abandonBridge(b *Bridge, cause error) error {
	if b.created {
		if err := r.netlink.DeleteLink(netlink.RootNs, b.Name); err != nil {
			r.logger.Error("failed to delete bridge after setup failure", zap.String("bridge", b.Name), zap.Error(err))
		}
	}
	return newErrorBridge(cause.Error())
}

func (r *Registry) ensureMasquerade(ctx context.Context, b *Bridge) error {
	rule := b.masqueradeRule()
	_, err := r.exec.ExecuteCommand(ctx, "iptables", append([]string{"-t", "nat", "-C"}, rule...)...)
	if err == nil {
		r.logger.Info("NAT rule already present", zap.String("subnet", b.Subnet.String()))
		return nil
	}
	if errors.Is(err, platform.ErrCommandTimeout) || errors.Is(err, platform.ErrInterrupted) {
		return errors.Wrap(err, "failed to check NAT rule")
	}
	if out, err := r.exec.ExecuteCommand(ctx, "iptables", append([]string{"-t", "nat", "-A"}, rule...)...); err != nil {
		return errors.Wrapf(err, "failed to add NAT rule: %s", out)
	}
	b.ruleAdded = true
	r.logger.Info("added NAT rule", zap.String("subnet", b.Subnet.String()), zap.String("externalIf", b.ExternalIf))
	return nil
}

// ConnectToBridge attaches h to b through a veth pair <if>/<if>-br, assigns
// the host an address and a default route via the bridge. ipLast selects the
// host offset in the subnet; zero takes the next free one. It returns the
// assigned address.
func (r *Registry) ConnectToBridge(h *Host, b *Bridge, ipLast int) (addr *net.IPNet, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	offset := b.next
	if ipLast > 0 {
		offset = uint32(ipLast)
	} else {
		for b.used[offset] {
			offset++
		}
	}
	if b.used[offset] {
		return nil, newErrorBridge(fmt.Sprintf("host offset %d already assigned on %s", offset, b.Name))
	}
	if addr, err = b.address(offset); err != nil {
		return nil, err
	}

	iface := h.nextInterfaceName()
	peer := iface + bridgePeerSuffix
	if len(peer) > maxIfNameLen {
		return nil, newErrorInvalidName("interface name " + peer + " is too long")
	}

	r.logger.Info("connecting host to bridge", zap.String("host", h.name), zap.String("bridge", b.Name),
		zap.String("iface", iface), zap.String("addr", addr.String()))
	if err = r.netlink.AddVethPair(iface, peer); err != nil {
		return nil, newErrorBridge("failed to create veth pair: " + err.Error())
	}
	defer func() {
		if err != nil {
			if delErr := r.deleteVeth([]endpoint{{h.name, iface}, {netlink.RootNs, peer}}); delErr != nil {
				r.logger.Error("failed to delete veth pair on bridge failure", zap.Error(delErr))
			}
		}
	}()

	if err = r.netlink.SetLinkNetNs(iface, h.name); err != nil {
		return nil, newErrorBridge(err.Error())
	}
	if err = r.netlink.SetLinkMaster(peer, b.Name); err != nil {
		return nil, newErrorBridge(err.Error())
	}
	if err = r.netlink.SetLinkState(netlink.RootNs, peer, true); err != nil {
		return nil, newErrorBridge(err.Error())
	}
	if err = r.netlink.SetLinkState(h.name, iface, true); err != nil {
		return nil, newErrorBridge(err.Error())
	}
	if err = r.netlink.AddIPAddress(h.name, iface, addr); err != nil {
		return nil, newErrorBridge(err.Error())
	}
	if err = r.netlink.AddDefaultRoute(h.name, iface, b.Gateway()); err != nil {
		return nil, newErrorBridge(err.Error())
	}

	h.interfaces = append(h.interfaces, iface)
	b.ports = append(b.ports, peer)
	b.used[offset] = true
	if ipLast <= 0 {
		b.next = offset + 1
	}
	return addr, nil
}

// removeBridge deletes what EnsureNATBridge and ConnectToBridge created.
// A pre-existing bridge is left in place.
func (r *Registry) removeBridge(ctx context.Context, b *Bridge) error {
	var errs []error
	for _, port := range b.ports {
		if exists, err := r.netlink.LinkExists(netlink.RootNs, port); err == nil && exists {
			if err := r.netlink.DeleteLink(netlink.RootNs, port); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if b.ruleAdded {
		if out, err := r.exec.ExecuteCommand(ctx, "iptables", append([]string{"-t", "nat", "-D"}, b.masqueradeRule()...)...); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to delete NAT rule: %s", out))
		}
	}
	if b.created {
		r.logger.Info("deleting bridge", zap.String("bridge", b.Name))
		if err := r.netlink.SetLinkState(netlink.RootNs, b.Name, false); err != nil {
			r.logger.Debug("failed to set bridge down", zap.Error(err))
		}
		if err := r.netlink.DeleteLink(netlink.RootNs, b.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}
