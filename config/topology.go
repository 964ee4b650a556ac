package config

import (
	"net"
	"path/filepath"

	"github.com/pkg/errors"
)

// Topology declares the emulated network. Build order is hosts, links,
// bridge, overrides, then setup commands.
type Topology struct {
	Hosts  []HostSpec  `mapstructure:"hosts"`
	Links  []LinkSpec  `mapstructure:"links"`
	Bridge *BridgeSpec `mapstructure:"bridge"`
}

type HostSpec struct {
	Name      string         `mapstructure:"name"`
	Overrides []OverrideSpec `mapstructure:"overrides"`
	// Setup commands run inside the host once the topology is up.
	Setup []string `mapstructure:"setup"`
}

type OverrideSpec struct {
	Target string `mapstructure:"target"`
	Source string `mapstructure:"source"`
}

// LinkSpec connects two hosts. Interface names default to <host>-eth<N>;
// addresses are CIDRs and optional.
type LinkSpec struct {
	A     string `mapstructure:"a"`
	B     string `mapstructure:"b"`
	IfA   string `mapstructure:"ifA"`
	IfB   string `mapstructure:"ifB"`
	AddrA string `mapstructure:"addrA"`
	AddrB string `mapstructure:"addrB"`
}

type BridgeSpec struct {
	Name       string           `mapstructure:"name"`
	Subnet     string           `mapstructure:"subnet"`
	ExternalIf string           `mapstructure:"externalIf"`
	Hosts      []BridgePortSpec `mapstructure:"hosts"`
}

// BridgePortSpec attaches a host to the bridge. A zero IPLast takes the next
// free address.
type BridgePortSpec struct {
	Host   string `mapstructure:"host"`
	IPLast int    `mapstructure:"ipLast"`
}

// HostNames returns the declared host names in declaration order.
func (t *Topology) HostNames() []string {
	names := make([]string, 0, len(t.Hosts))
	for _, h := range t.Hosts {
		names = append(names, h.Name)
	}
	return names
}

func (t *Topology) Validate() error {
	known := make(map[string]bool, len(t.Hosts))
	for _, h := range t.Hosts {
		if h.Name == "" {
			return errors.Wrap(ErrInvalidConfig, "host without a name")
		}
		if known[h.Name] {
			return errors.Wrapf(ErrInvalidConfig, "duplicate host %s", h.Name)
		}
		known[h.Name] = true
		for _, o := range h.Overrides {
			if !filepath.IsAbs(o.Target) || !filepath.IsAbs(o.Source) {
				return errors.Wrapf(ErrInvalidConfig, "host %s: override %s -> %s needs absolute paths", h.Name, o.Source, o.Target)
			}
		}
	}

	for i, l := range t.Links {
		if !known[l.A] || !known[l.B] {
			return errors.Wrapf(ErrInvalidConfig, "link %d references unknown host (%s, %s)", i, l.A, l.B)
		}
		if l.A == l.B {
			return errors.Wrapf(ErrInvalidConfig, "link %d connects %s to itself", i, l.A)
		}
		for _, addr := range []string{l.AddrA, l.AddrB} {
			if addr == "" {
				continue
			}
			if _, _, err := net.ParseCIDR(addr); err != nil {
				return errors.Wrapf(ErrInvalidConfig, "link %d: address %q is not a CIDR", i, addr)
			}
		}
	}

	if t.Bridge != nil {
		if t.Bridge.Subnet != "" {
			if _, _, err := net.ParseCIDR(t.Bridge.Subnet); err != nil {
				return errors.Wrapf(ErrInvalidConfig, "bridge subnet %q is not a CIDR", t.Bridge.Subnet)
			}
		}
		for _, p := range t.Bridge.Hosts {
			if !known[p.Host] {
				return errors.Wrapf(ErrInvalidConfig, "bridge references unknown host %s", p.Host)
			}
			if p.IPLast < 0 {
				return errors.Wrapf(ErrInvalidConfig, "bridge host %s: negative ipLast", p.Host)
			}
		}
	}
	return nil
}
