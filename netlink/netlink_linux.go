//go:build linux
// +build linux

package netlink

import (
	"net"

	"github.com/pkg/errors"
	vishnetlink "github.com/vishvananda/netlink"
	vishnetns "github.com/vishvananda/netns"
)

// NamespaceOpener opens named network namespaces as file descriptors, as
// netns.Netns does.
type NamespaceOpener interface {
	GetFromName(name string) (fileDescriptor uintptr, err error)
	Close(fileDescriptor uintptr) (err error)
}

type Netlink struct {
	ns NamespaceOpener
}

func NewNetlink(ns NamespaceOpener) *Netlink {
	return &Netlink{ns: ns}
}

// handle opens a netlink socket bound to ns. The returned release closes the
// socket and the namespace handle.
func (n *Netlink) handle(ns string) (*vishnetlink.Handle, func(), error) {
	if ns == RootNs {
		h, err := vishnetlink.NewHandle()
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open netlink handle")
		}
		return h, h.Delete, nil
	}

	fd, err := n.ns.GetFromName(ns)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open ns %s", ns)
	}
	h, err := vishnetlink.NewHandleAt(vishnetns.NsHandle(fd))
	if err != nil {
		_ = n.ns.Close(fd)
		return nil, nil, errors.Wrapf(err, "failed to open netlink handle in ns %s", ns)
	}
	return h, func() {
		h.Delete()
		_ = n.ns.Close(fd)
	}, nil
}

func (n *Netlink) AddVethPair(name, peer string) error {
	linkAttrs := vishnetlink.NewLinkAttrs()
	linkAttrs.Name = name
	veth := &vishnetlink.Veth{
		LinkAttrs: linkAttrs,
		PeerName:  peer,
	}
	return errors.Wrapf(vishnetlink.LinkAdd(veth), "failed to add veth pair %s/%s", name, peer)
}

func (n *Netlink) AddBridge(name string) error {
	linkAttrs := vishnetlink.NewLinkAttrs()
	linkAttrs.Name = name
	bridge := &vishnetlink.Bridge{LinkAttrs: linkAttrs}
	return errors.Wrapf(vishnetlink.LinkAdd(bridge), "failed to add bridge %s", name)
}

func (n *Netlink) SetLinkNetNs(name, ns string) error {
	link, err := vishnetlink.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "failed to get link %s", name)
	}
	fd, err := n.ns.GetFromName(ns)
	if err != nil {
		return errors.Wrapf(err, "failed to open ns %s", ns)
	}
	defer n.ns.Close(fd) //nolint:errcheck
	return errors.Wrapf(vishnetlink.LinkSetNsFd(link, int(fd)), "failed to move %s into ns %s", name, ns)
}

func (n *Netlink) SetLinkMaster(name, master string) error {
	link, err := vishnetlink.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "failed to get link %s", name)
	}
	masterLink, err := vishnetlink.LinkByName(master)
	if err != nil {
		return errors.Wrapf(err, "failed to get master %s", master)
	}
	return errors.Wrapf(vishnetlink.LinkSetMaster(link, masterLink), "failed to enslave %s to %s", name, master)
}

func (n *Netlink) SetLinkState(ns, name string, up bool) error {
	h, release, err := n.handle(ns)
	if err != nil {
		return err
	}
	defer release()

	link, err := h.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "failed to get link %s", name)
	}
	if up {
		return errors.Wrapf(h.LinkSetUp(link), "failed to set %s up", name)
	}
	return errors.Wrapf(h.LinkSetDown(link), "failed to set %s down", name)
}

func (n *Netlink) AddIPAddress(ns, name string, ipNet *net.IPNet) error {
	h, release, err := n.handle(ns)
	if err != nil {
		return err
	}
	defer release()

	link, err := h.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "failed to get link %s", name)
	}
	return errors.Wrapf(h.AddrAdd(link, &vishnetlink.Addr{IPNet: ipNet}), "failed to add %s to %s", ipNet, name)
}

func (n *Netlink) AddDefaultRoute(ns, name string, gw net.IP) error {
	h, release, err := n.handle(ns)
	if err != nil {
		return err
	}
	defer release()

	link, err := h.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "failed to get link %s", name)
	}
	route := &vishnetlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        gw,
	}
	return errors.Wrapf(h.RouteAdd(route), "failed to add default route via %s", gw)
}

func (n *Netlink) DeleteLink(ns, name string) error {
	h, release, err := n.handle(ns)
	if err != nil {
		return err
	}
	defer release()

	link, err := h.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "failed to get link %s", name)
	}
	return errors.Wrapf(h.LinkDel(link), "failed to delete link %s", name)
}

func (n *Netlink) LinkExists(ns, name string) (bool, error) {
	h, release, err := n.handle(ns)
	if err != nil {
		return false, err
	}
	defer release()

	if _, err := h.LinkByName(name); err != nil {
		var notFound vishnetlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to get link %s", name)
	}
	return true, nil
}

func (n *Netlink) ListLinks(ns string) ([]string, error) {
	h, release, err := n.handle(ns)
	if err != nil {
		return nil, err
	}
	defer release()

	links, err := h.LinkList()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list links")
	}
	names := make([]string, 0, len(links))
	for _, link := range links {
		names = append(names, link.Attrs().Name)
	}
	return names, nil
}
