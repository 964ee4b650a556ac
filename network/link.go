package network

import (
	"fmt"

	"github.com/netemu/mmns/netlink"
	"go.uber.org/zap"
)

// LinkOptions override the default <host>-eth<N> endpoint names.
type LinkOptions struct {
	If1 string
	If2 string
}

// Link is a veth pair with one end in each host. It is not owned by either
// host; the caller releases it, and Teardown releases any still held.
type Link struct {
	reg      *Registry
	Host1    *Host
	Host2    *Host
	If1      string
	If2      string
	released bool
}

func (l *Link) String() string {
	return fmt.Sprintf("%s:%s<->%s:%s", l.Host1.name, l.If1, l.Host2.name, l.If2)
}

// Link creates a veth pair, moves one end into each host and brings both up.
// A failure part way removes the pair again.
func (r *Registry) Link(h1, h2 *Host, opts LinkOptions) (l *Link, err error) {
	if h1 == h2 {
		return nil, newErrorLink("cannot link " + h1.name + " to itself")
	}
	// Lock in name order so concurrent links between the same hosts cannot
	// deadlock.
	first, second := h1, h2
	if second.name < first.name {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if1 := opts.If1
	if if1 == "" {
		if1 = h1.nextInterfaceName()
	}
	if2 := opts.If2
	if if2 == "" {
		if2 = h2.nextInterfaceName()
	}
	for _, name := range []string{if1, if2} {
		if len(name) > maxIfNameLen {
			return nil, newErrorInvalidName("interface name " + name + " is too long")
		}
	}

	r.logger.Info("creating link", zap.String("if1", if1), zap.String("host1", h1.name),
		zap.String("if2", if2), zap.String("host2", h2.name))
	if err = r.netlink.AddVethPair(if1, if2); err != nil {
		return nil, newErrorLink("failed to create veth pair: " + err.Error())
	}

	defer func() {
		if err != nil {
			r.logger.Info("link setup failed, deleting veth pair", zap.String("if1", if1), zap.Error(err))
			if delErr := r.deleteVeth([]endpoint{{h1.name, if1}, {h2.name, if2}}); delErr != nil {
				r.logger.Error("failed to delete veth pair on link failure", zap.Error(delErr))
			}
		}
	}()

	if err = r.netlink.SetLinkNetNs(if1, h1.name); err != nil {
		return nil, newErrorLink("failed to move " + if1 + " into " + h1.name + ": " + err.Error())
	}
	if err = r.netlink.SetLinkNetNs(if2, h2.name); err != nil {
		return nil, newErrorLink("failed to move " + if2 + " into " + h2.name + ": " + err.Error())
	}
	if err = r.netlink.SetLinkState(h1.name, if1, true); err != nil {
		return nil, newErrorLink("failed to set " + if1 + " up: " + err.Error())
	}
	if err = r.netlink.SetLinkState(h2.name, if2, true); err != nil {
		return nil, newErrorLink("failed to set " + if2 + " up: " + err.Error())
	}

	h1.interfaces = append(h1.interfaces, if1)
	h2.interfaces = append(h2.interfaces, if2)

	l = &Link{reg: r, Host1: h1, Host2: h2, If1: if1, If2: if2}
	r.mu.Lock()
	r.links = append(r.links, l)
	r.mu.Unlock()
	return l, nil
}

// Release deletes the pair from whichever namespace still holds an end.
// Releasing twice is a no-op.
func (l *Link) Release() error {
	if l.released {
		return nil
	}
	err := l.reg.deleteVeth([]endpoint{{l.Host1.name, l.If1}, {l.Host2.name, l.If2}})
	if err != nil {
		return err
	}
	l.released = true
	l.reg.forgetLink(l)
	l.reg.logger.Info("released link", zap.String("link", l.String()))
	return nil
}

type endpoint struct {
	ns   string
	name string
}

// deleteVeth removes a veth pair by deleting the first end found, looking in
// each endpoint's namespace and then in the root namespace. Removing one end
// removes its peer. A pair that no longer exists anywhere is not an error.
func (r *Registry) deleteVeth(ends []endpoint) error {
	var candidates []endpoint
	candidates = append(candidates, ends...)
	for _, e := range ends {
		candidates = append(candidates, endpoint{netlink.RootNs, e.name})
	}
	for _, c := range candidates {
		exists, err := r.netlink.LinkExists(c.ns, c.name)
		if err != nil || !exists {
			continue
		}
		if err := r.netlink.DeleteLink(c.ns, c.name); err != nil {
			return newErrorLink("failed to delete " + c.name + ": " + err.Error())
		}
		return nil
	}
	return nil
}

func (r *Registry) forgetLink(l *Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.links {
		if existing == l {
			r.links = append(r.links[:i], r.links[i+1:]...)
			return
		}
	}
}
