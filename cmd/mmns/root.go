package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/netemu/mmns/config"
	"github.com/netemu/mmns/log"
	"github.com/netemu/mmns/metrics"
	"github.com/netemu/mmns/netlink"
	"github.com/netemu/mmns/netns"
	"github.com/netemu/mmns/network"
	"github.com/netemu/mmns/nsenter"
	"github.com/netemu/mmns/platform"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	v          *viper.Viper
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: config.New()}
	cmd := &cobra.Command{
		Use:          "mmns",
		Short:        "Emulate hosts with network namespaces and per-host mount overrides",
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "topology and settings file (YAML)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", log.FormatConsole, "log format (console, json, logfmt)")
	pf.String("run-dir", "/run/mmns", "directory for mount helper handshake files")
	bindFlags(opts.v, pf, map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
		"runDir":     "run-dir",
	})

	cmd.AddCommand(newRunCmd(opts), newCleanupCmd(opts), newVersionCmd())
	return cmd
}

// bindFlags lets each flag in flags override its config key when set.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mmns version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// env is everything a command needs, wired to the real system.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	fs     afero.Fs
	reg    *network.Registry
}

func (o *rootOptions) setup() (*env, error) {
	cfg, err := config.Load(o.v, o.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := log.New(log.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	if os.Geteuid() != 0 {
		logger.Warn("not running as root; namespace operations will fail")
	}

	fs := afero.NewOsFs()
	nsh := netns.NewNetns()
	exec := platform.NewExecClient(logger, cfg.StreamGrace)
	reg := network.NewRegistry(network.Options{
		RunDir:       cfg.RunDir,
		Shell:        cfg.Shell,
		PollAttempts: cfg.Anchor.PollAttempts,
		PollInterval: cfg.Anchor.PollInterval,
		MountTimeout: cfg.MountTimeout,
	}, nsh, netlink.NewNetlink(nsh), exec, nsenter.NewService(exec, cfg.Shell, logger), fs, logger)
	return &env{cfg: cfg, logger: logger, fs: fs, reg: reg}, nil
}

func (e *env) bridges() []network.BridgeOptions {
	b := e.cfg.Topology.Bridge
	if b == nil {
		return nil
	}
	return []network.BridgeOptions{{Name: b.Name, Subnet: b.Subnet, ExternalIf: b.ExternalIf}}
}

// serveMetrics exposes /metrics on addr until the process exits.
func (e *env) serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		e.logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
