// Package network composes network namespaces, veth links and per-host mount
// overrides into emulated hosts, and routes commands into them.
package network

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/netemu/mmns/mounthelper"
	"github.com/netemu/mmns/netlink"
	"github.com/netemu/mmns/nsenter"
	"github.com/netemu/mmns/platform"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// IFNAMSIZ less the terminating NUL.
	maxIfNameLen        = 15
	DefaultMountTimeout = 10 * time.Second
)

// Options tune hosts created by a Registry.
type Options struct {
	RunDir       string
	Shell        string
	PollAttempts uint
	PollInterval time.Duration
	MountTimeout time.Duration
}

// Registry tracks every host, link and bridge created in this process so
// Teardown can remove exactly those.
type Registry struct {
	mu      sync.Mutex
	opts    Options
	netns   NetnsInterface
	netlink netlink.NetlinkInterface
	exec    platform.ExecClient
	entry   nsenter.Service
	fs      afero.Fs
	logger  *zap.Logger

	hosts   map[string]*Host
	links   []*Link
	bridges []*Bridge
}

func NewRegistry(
	opts Options,
	ns NetnsInterface,
	nl netlink.NetlinkInterface,
	plc platform.ExecClient,
	entry nsenter.Service,
	fs afero.Fs,
	logger *zap.Logger,
) *Registry {
	if opts.MountTimeout <= 0 {
		opts.MountTimeout = DefaultMountTimeout
	}
	return &Registry{
		opts:    opts,
		netns:   ns,
		netlink: nl,
		exec:    plc,
		entry:   entry,
		fs:      fs,
		logger:  logger,
		hosts:   make(map[string]*Host),
	}
}

// validateHostName requires that the default interface name <name>-eth0
// fits in IFNAMSIZ.
func validateHostName(name string) error {
	if name == "" || strings.ContainsAny(name, "/ \t\n") {
		return newErrorInvalidName("host name " + `"` + name + `"`)
	}
	if len(name)+len("-eth0") > maxIfNameLen {
		return newErrorInvalidName("host name " + name + " is too long")
	}
	return nil
}

// NewHost creates the network namespace name, brings its loopback up and
// registers the host.
func (r *Registry) NewHost(ctx context.Context, name string) (*Host, error) {
	if err := validateHostName(name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[name]; ok {
		return nil, newErrorHostExists(name)
	}

	r.logger.Info("creating host", zap.String("host", name))
	if err := r.netns.NewNamed(name); err != nil {
		return nil, errors.Wrapf(err, "failed to create namespace %s", name)
	}
	if err := r.netlink.SetLinkState(name, loopbackIf, true); err != nil {
		if delErr := r.netns.DeleteNamed(name); delErr != nil {
			r.logger.Error("failed to delete ns after loopback failure", zap.String("host", name), zap.Error(delErr))
		}
		return nil, newErrorLink("failed to set loopback up in " + name + ": " + err.Error())
	}

	logger := r.logger.With(zap.String("host", name))
	h := &Host{
		name: name,
		anchor: mounthelper.NewSupervisor(mounthelper.Config{
			Host:         name,
			RunDir:       r.opts.RunDir,
			Shell:        r.opts.Shell,
			PollAttempts: r.opts.PollAttempts,
			PollInterval: r.opts.PollInterval,
		}, r.exec, r.fs, r.logger),
		entry:        r.entry,
		netlink:      r.netlink,
		fs:           r.fs,
		mountTimeout: r.opts.MountTimeout,
		logger:       logger,
	}
	r.hosts[name] = h
	return h, nil
}

// Host looks up a registered host.
func (r *Registry) Host(name string) (*Host, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[name]
	return h, ok
}

// Hosts returns the registered hosts sorted by name.
func (r *Registry) Hosts() []*Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]*Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].name < hosts[j].name })
	return hosts
}

// RemoveHost cleans up one host: its anchor is terminated, the links touching
// it are released and its namespace is deleted. The host stays registered
// if the namespace could not be deleted, so Teardown tries again.
func (r *Registry) RemoveHost(name string) error {
	r.mu.Lock()
	h, ok := r.hosts[name]
	var links []*Link
	for _, l := range r.links {
		if l.Host1 == h || l.Host2 == h {
			links = append(links, l)
		}
	}
	r.mu.Unlock()
	if !ok {
		return newErrorHostNotFound(name)
	}

	var errs error
	if err := h.Cleanup(); err != nil {
		r.logger.Warn("failed to terminate mount helper", zap.String("host", name), zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	for _, l := range links {
		if err := l.Release(); err != nil {
			r.logger.Warn("failed to release link", zap.String("link", l.String()), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	if err := r.netns.DeleteNamed(name); err != nil {
		r.logger.Warn("failed to delete namespace", zap.String("host", name), zap.Error(err))
		return multierr.Append(errs, err)
	}

	r.mu.Lock()
	delete(r.hosts, name)
	r.mu.Unlock()
	r.logger.Info("removed host", zap.String("host", name))
	return errs
}

// Teardown terminates every anchor, releases every link, deletes every
// namespace and removes every bridge this registry created. Each step is
// attempted even when earlier ones fail; the failures are returned combined.
func (r *Registry) Teardown(ctx context.Context) error {
	hosts := r.Hosts()

	r.mu.Lock()
	links := append([]*Link(nil), r.links...)
	bridges := append([]*Bridge(nil), r.bridges...)
	r.mu.Unlock()

	var errs error
	for _, h := range hosts {
		if err := h.Cleanup(); err != nil {
			r.logger.Warn("failed to terminate mount helper", zap.String("host", h.name), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	for _, l := range links {
		if err := l.Release(); err != nil {
			r.logger.Warn("failed to release link", zap.String("link", l.String()), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	for _, h := range hosts {
		if err := r.netns.DeleteNamed(h.name); err != nil {
			r.logger.Warn("failed to delete namespace", zap.String("host", h.name), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	for _, b := range bridges {
		if err := r.removeBridge(ctx, b); err != nil {
			r.logger.Warn("failed to remove bridge", zap.String("bridge", b.Name), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	r.mu.Lock()
	r.hosts = make(map[string]*Host)
	r.links = nil
	r.bridges = nil
	r.mu.Unlock()

	r.logger.Info("teardown complete", zap.Int("hosts", len(hosts)), zap.Int("errors", len(multierr.Errors(errs))))
	return errs
}
