package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/netemu/mmns/metrics"
	"github.com/netemu/mmns/nsenter"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MountOverride makes source visible at target for every later command on
// the host, by bind mounting it inside the anchor's mount namespace. Mounting
// over an existing target first unmounts the previous override. It returns
// the anchor pid.
//
// An anchor that died since the last call is replaced, which drops all
// previous overrides; callers re-apply them.
func (h *Host) MountOverride(ctx context.Context, target, source string) (int, error) {
	if !filepath.IsAbs(target) {
		return 0, newErrorInvalidPath("target " + target)
	}
	if !filepath.IsAbs(source) {
		return 0, newErrorInvalidPath("source " + source)
	}
	target = filepath.Clean(target)
	source = filepath.Clean(source)

	info, err := h.fs.Stat(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, newErrorSourceNotFound(source)
		}
		return 0, newErrorSourceNotFound(err.Error())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	pid, err := h.anchor.Ensure(ctx)
	if err != nil {
		return 0, newErrorMountOperation(err)
	}

	mctx, cancel := context.WithTimeout(ctx, h.mountTimeout)
	defer cancel()

	ledger := h.anchor.Ledger()
	if prev, ok := ledger.Lookup(target); ok {
		h.logger.Warn("target already mounted, unmounting first",
			zap.String("target", target),
			zap.String("previousSource", prev.Source))
		if err := h.inAnchor(mctx, pid, "umount "+shellescape.Quote(target)); err != nil {
			return 0, err
		}
		// The old bind is gone even if the new one fails below.
		ledger.Remove(target)
	}

	var prep string
	if info.IsDir() {
		prep = "mkdir -p " + shellescape.Quote(target)
	} else {
		prep = fmt.Sprintf("mkdir -p %s && touch %s", shellescape.Quote(filepath.Dir(target)), shellescape.Quote(target))
	}
	script := fmt.Sprintf("%s && mount --bind %s %s", prep, shellescape.Quote(source), shellescape.Quote(target))
	if err := h.inAnchor(mctx, pid, script); err != nil {
		metrics.Overrides.WithLabelValues(h.name).Set(float64(ledger.Len()))
		return 0, err
	}

	ledger.Add(target, source)
	metrics.Overrides.WithLabelValues(h.name).Set(float64(ledger.Len()))
	h.logger.Info("mounted override",
		zap.String("source", source),
		zap.String("target", target),
		zap.Int("pid", pid),
		zap.Int("total", ledger.Len()))
	return pid, nil
}

func (h *Host) inAnchor(ctx context.Context, pid int, script string) error {
	res, err := h.entry.ExecNetMount(ctx, pid, nsenter.Request{Command: script})
	if err != nil {
		return newErrorMountOperation(err)
	}
	if res.Status != 0 {
		return newErrorMountOperation(errors.Errorf("%q exited %d: %s", script, res.Status, strings.TrimSpace(res.Output)))
	}
	return nil
}

// MountTable returns the lines of the host's mount table that concern an
// active override target.
func (h *Host) MountTable(ctx context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	targets := h.anchor.Ledger().Targets()
	if len(targets) == 0 {
		return nil, nil
	}
	res, err := h.run(ctx, "mount", h.mountTimeout, nil)
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(res.Output, "\n") {
		for _, target := range targets {
			if strings.Contains(line, " on "+target+" ") {
				lines = append(lines, line)
				break
			}
		}
	}
	return lines, nil
}
