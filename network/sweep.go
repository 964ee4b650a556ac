package network

import (
	"context"
	"regexp"

	"github.com/netemu/mmns/netlink"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Sweep removes what a previous run against the same configuration may have
// left behind: namespaces named exactly after hostNames, root namespace
// interfaces named <host>-eth<N> or <host>-eth<N>-br for those hosts, and the
// given bridges together with their NAT rule. Missing objects are skipped.
func (r *Registry) Sweep(ctx context.Context, hostNames []string, bridges []BridgeOptions) error {
	var errs error

	patterns := make([]*regexp.Regexp, 0, len(hostNames))
	for _, name := range hostNames {
		patterns = append(patterns, regexp.MustCompile(`^`+regexp.QuoteMeta(name)+`-eth\d+(-br)?$`))
	}

	links, err := r.netlink.ListLinks(netlink.RootNs)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, link := range links {
		for _, re := range patterns {
			if !re.MatchString(link) {
				continue
			}
			r.logger.Info("sweeping leftover interface", zap.String("iface", link))
			if err := r.netlink.DeleteLink(netlink.RootNs, link); err != nil {
				errs = multierr.Append(errs, err)
			}
			break
		}
	}

	for _, name := range hostNames {
		exists, err := r.netns.Exists(name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !exists {
			continue
		}
		r.logger.Info("sweeping leftover namespace", zap.String("host", name))
		if err := r.netns.DeleteNamed(name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	for _, opts := range bridges {
		b, err := newBridge(opts)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		// The rule may never have been added; a failed delete is expected.
		if _, err := r.exec.ExecuteCommand(ctx, "iptables", append([]string{"-t", "nat", "-D"}, b.masqueradeRule()...)...); err == nil {
			r.logger.Info("swept leftover NAT rule", zap.String("subnet", b.Subnet.String()))
		}
		exists, err := r.netlink.LinkExists(netlink.RootNs, b.Name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if exists {
			r.logger.Info("sweeping leftover bridge", zap.String("bridge", b.Name))
			if err := r.netlink.DeleteLink(netlink.RootNs, b.Name); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}
