// Package netlink wraps the link plumbing mmns performs: veth pairs, bridges,
// addresses and routes. Methods taking ns operate inside the named network
// namespace; RootNs selects the caller's namespace.
package netlink

import "net"

const RootNs = ""

type NetlinkInterface interface {
	AddVethPair(name, peer string) error
	AddBridge(name string) error
	SetLinkNetNs(name, ns string) error
	SetLinkMaster(name, master string) error
	SetLinkState(ns, name string, up bool) error
	AddIPAddress(ns, name string, ipNet *net.IPNet) error
	AddDefaultRoute(ns, name string, gw net.IP) error
	DeleteLink(ns, name string) error
	LinkExists(ns, name string) (bool, error)
	ListLinks(ns string) ([]string, error)
}
