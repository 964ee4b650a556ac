package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/netemu/mmns/shell"
	"github.com/netemu/mmns/topology"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build the topology, open the interactive prompt and tear down on exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			defer e.logger.Sync() //nolint:errcheck
			return e.run(cmd.Context())
		},
	}
	cmd.Flags().Duration("cmd-timeout", 0, "default per-command timeout in the prompt")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	bindFlags(opts.v, cmd.Flags(), map[string]string{
		"cmdTimeout":  "cmd-timeout",
		"metricsAddr": "metrics-addr",
	})
	return cmd
}

func (e *env) run(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	// SIGTERM and SIGHUP end the session; SIGINT belongs to the prompt.
	ctx, stop := signal.NotifyContext(parent, unix.SIGTERM, unix.SIGHUP)
	defer stop()

	topo := &e.cfg.Topology
	if err := e.reg.Sweep(ctx, topo.HostNames(), e.bridges()); err != nil {
		e.logger.Warn("failed to sweep leftovers", zap.Error(err))
	}
	defer func() {
		// Teardown must run even when ctx was cancelled by a signal.
		if err := e.reg.Teardown(context.Background()); err != nil {
			e.logger.Error("teardown incomplete", zap.Error(err))
		}
	}()

	if err := topology.Build(ctx, e.reg, topo, e.cfg.CmdTimeout, e.logger); err != nil {
		return err
	}
	e.serveMetrics(e.cfg.MetricsAddr)

	hosts := e.reg.Hosts()
	list := make([]shell.Host, 0, len(hosts))
	for _, h := range hosts {
		list = append(list, h)
	}
	sh := shell.New(list, e.fs, shell.Options{
		Timeout:     e.cfg.CmdTimeout,
		HistoryPath: expandHome(e.cfg.History),
	}, e.logger)

	// A blocked read on stdin cannot be cancelled, so the prompt runs on its
	// own goroutine and is abandoned on SIGTERM or SIGHUP.
	errCh := make(chan error, 1)
	go func() { errCh <- sh.Run(ctx, os.Stdin, os.Stdout) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sh.Interrupt()
		sh.Close()
		e.logger.Info("shutting down", zap.Error(context.Cause(ctx)))
		return nil
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove namespaces, interfaces and bridges a previous run left behind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			defer e.logger.Sync() //nolint:errcheck
			return e.reg.Sweep(cmd.Context(), e.cfg.Topology.HostNames(), e.bridges())
		},
	}
}
