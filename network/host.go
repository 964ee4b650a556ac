package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/netemu/mmns/mounthelper"
	"github.com/netemu/mmns/netlink"
	"github.com/netemu/mmns/nsenter"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const loopbackIf = "lo"

// Host is one emulated endpoint: a named network namespace plus, once an
// override exists, an anchor process holding a private mount namespace.
//
// Every Host method holds the host's mutex, so operations on one Host are
// applied one at a time in the order callers acquire it.
type Host struct {
	mu           sync.Mutex
	name         string
	interfaces   []string
	anchor       *mounthelper.Supervisor
	entry        nsenter.Service
	netlink      netlink.NetlinkInterface
	fs           afero.Fs
	mountTimeout time.Duration
	logger       *zap.Logger
}

func (h *Host) Name() string {
	return h.name
}

// Interfaces returns the interface names created for this host, in creation
// order.
func (h *Host) Interfaces() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.interfaces...)
}

// Overrides returns the active overrides in creation order.
func (h *Host) Overrides() []mounthelper.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.anchor.Ledger().Entries()
}

// AnchorPID returns the pid of the live anchor, or zero.
func (h *Host) AnchorPID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.anchor.IsAlive() {
		return 0
	}
	return h.anchor.PID()
}

// AddInterface records an interface that already sits in the host's
// namespace and brings it up. An empty name selects <host>-eth<N>.
func (h *Host) AddInterface(name string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if name == "" {
		name = h.nextInterfaceName()
	}
	if err := h.netlink.SetLinkState(h.name, name, true); err != nil {
		return "", newErrorLink(err.Error())
	}
	h.interfaces = append(h.interfaces, name)
	return name, nil
}

// AddAddress assigns cidr, e.g. 10.0.0.1/24, to one of the host's
// interfaces.
func (h *Host) AddAddress(iface, cidr string) error {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return newErrorLink("invalid address " + cidr)
	}
	ipNet.IP = ip

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.netlink.AddIPAddress(h.name, iface, ipNet); err != nil {
		return newErrorLink("failed to add " + cidr + " to " + iface + ": " + err.Error())
	}
	h.logger.Info("added address", zap.String("iface", iface), zap.String("addr", cidr))
	return nil
}

// nextInterfaceName numbers from the interface count, skipping names already
// taken by custom interfaces.
func (h *Host) nextInterfaceName() string {
	taken := make(map[string]bool, len(h.interfaces))
	for _, name := range h.interfaces {
		taken[name] = true
	}
	for i := len(h.interfaces); ; i++ {
		name := fmt.Sprintf("%s-eth%d", h.name, i)
		if !taken[name] {
			return name
		}
	}
}

// Cleanup stops the anchor, dropping every override. Commands run afterwards
// see the host's original filesystem. Calling it again is a no-op.
func (h *Host) Cleanup() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.anchor.Terminate()
}
