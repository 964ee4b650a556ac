// Package topology brings up the hosts, links, bridge and overrides a
// config.Topology declares.
package topology

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/netemu/mmns/config"
	"github.com/netemu/mmns/network"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrSetupCommand = errors.New("setup command failed")

// Build applies topo to reg in order: hosts, links with their addresses,
// bridge and bridge ports, overrides, then each host's setup commands. It
// stops at the first failure; reg.Teardown removes whatever was built.
// cmdTimeout bounds each setup command.
func Build(ctx context.Context, reg *network.Registry, topo *config.Topology, cmdTimeout time.Duration, logger *zap.Logger) error {
	hosts := make(map[string]*network.Host, len(topo.Hosts))
	for _, spec := range topo.Hosts {
		h, err := reg.NewHost(ctx, spec.Name)
		if err != nil {
			return err
		}
		hosts[spec.Name] = h
	}

	for _, spec := range topo.Links {
		a, b := hosts[spec.A], hosts[spec.B]
		if a == nil || b == nil {
			return errors.Errorf("link %s-%s references an undeclared host", spec.A, spec.B)
		}
		l, err := reg.Link(a, b, network.LinkOptions{If1: spec.IfA, If2: spec.IfB})
		if err != nil {
			return err
		}
		if spec.AddrA != "" {
			if err := a.AddAddress(l.If1, spec.AddrA); err != nil {
				return err
			}
		}
		if spec.AddrB != "" {
			if err := b.AddAddress(l.If2, spec.AddrB); err != nil {
				return err
			}
		}
	}

	if spec := topo.Bridge; spec != nil {
		br, err := reg.EnsureNATBridge(ctx, network.BridgeOptions{
			Name:       spec.Name,
			Subnet:     spec.Subnet,
			ExternalIf: spec.ExternalIf,
		})
		if err != nil {
			return err
		}
		for _, port := range spec.Hosts {
			h := hosts[port.Host]
			if h == nil {
				return errors.Errorf("bridge references undeclared host %s", port.Host)
			}
			addr, err := reg.ConnectToBridge(h, br, port.IPLast)
			if err != nil {
				return err
			}
			logger.Info("connected host to bridge", zap.String("host", port.Host), zap.String("addr", addr.String()))
		}
	}

	for _, spec := range topo.Hosts {
		h := hosts[spec.Name]
		for _, o := range spec.Overrides {
			if _, err := h.MountOverride(ctx, o.Target, o.Source); err != nil {
				return errors.Wrapf(err, "host %s", spec.Name)
			}
		}
	}

	for _, spec := range topo.Hosts {
		h := hosts[spec.Name]
		for _, command := range spec.Setup {
			var out bytes.Buffer
			status, err := h.CmdStream(ctx, command, cmdTimeout, &out)
			if err != nil {
				return err
			}
			if status != 0 {
				return errors.Wrapf(ErrSetupCommand, "%s: %q exited %d: %s", spec.Name, command, status, strings.TrimSpace(out.String()))
			}
			logger.Debug("ran setup command", zap.String("host", spec.Name), zap.String("command", command))
		}
	}

	logger.Info("topology ready",
		zap.Int("hosts", len(topo.Hosts)),
		zap.Int("links", len(topo.Links)),
		zap.Bool("bridge", topo.Bridge != nil))
	return nil
}
