package network

import (
	"context"
	"io"
	"time"

	"github.com/netemu/mmns/metrics"
	"github.com/netemu/mmns/nsenter"
	"github.com/netemu/mmns/platform"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Cmd runs command inside the host and returns its combined output. A
// positive timeout bounds the command; exceeding it returns
// platform.ErrCommandTimeout together with the output produced so far.
func (h *Host) Cmd(ctx context.Context, command string, timeout time.Duration) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	res, err := h.run(ctx, command, timeout, nil)
	return res.Output, err
}

// CmdStream runs command inside the host, writing output to w as it is
// produced, and returns its exit status. platform.StatusTimedOut and
// platform.StatusInterrupted report a timeout or a cancelled ctx.
func (h *Host) CmdStream(ctx context.Context, command string, timeout time.Duration, w io.Writer) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	res, err := h.run(ctx, command, timeout, w)
	return res.Status, err
}

// run probes the anchor and enters the namespaces with no mutation point in
// between; the caller holds h.mu. An anchor that dies after the probe costs
// this one command a namespace entry error, the next call probes again.
func (h *Host) run(ctx context.Context, command string, timeout time.Duration, w io.Writer) (nsenter.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	mode := metrics.ModeCapture
	if w != nil {
		mode = metrics.ModeStream
	}
	req := nsenter.Request{Command: command, Output: w}
	start := time.Now()

	var (
		route string
		res   nsenter.Result
		err   error
	)
	if h.anchor.IsAlive() {
		route = metrics.RouteNetMount
		res, err = h.entry.ExecNetMount(ctx, h.anchor.PID(), req)
	} else {
		route = metrics.RouteNet
		res, err = h.entry.ExecNet(ctx, h.name, req)
	}

	metrics.Commands.WithLabelValues(h.name, route, mode).Inc()
	metrics.CommandDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	h.logger.Debug("ran command",
		zap.String("route", route),
		zap.String("mode", mode),
		zap.String("command", command),
		zap.Int("status", res.Status))

	if errors.Is(err, platform.ErrCommandTimeout) {
		metrics.CommandTimeouts.WithLabelValues(h.name).Inc()
		h.logger.Info("command timed out", zap.String("command", command), zap.Duration("timeout", timeout))
	}
	return res, errors.Wrapf(err, "%s", h.name)
}
