package nsenter

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"testing"

	"github.com/netemu/mmns/platform"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exitError(t *testing.T, code string) error {
	t.Helper()
	err := exec.Command("sh", "-c", "exit "+code).Run()
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	return errors.Wrap(err, "failed to execute")
}

func TestExecNetBuildsCommand(t *testing.T) {
	plc := platform.NewMockExecClient(false)
	plc.SetExecCommand(func(string, ...string) (string, error) {
		return "hello\n", nil
	})
	svc := NewService(plc, "", zap.NewNop())

	res, err := svc.ExecNet(context.Background(), "h1", Request{Command: "echo hello"})
	require.NoError(t, err)
	require.Equal(t, "hello\n", res.Output)
	require.Equal(t, 0, res.Status)
	require.Equal(t, []string{"ip netns exec h1 bash -c echo hello"}, plc.Commands())
}

func TestExecNetMountBuildsCommand(t *testing.T) {
	plc := platform.NewMockExecClient(false)
	svc := NewService(plc, "sh", zap.NewNop())

	_, err := svc.ExecNetMount(context.Background(), 4242, Request{Command: "cat /tmp/marker"})
	require.NoError(t, err)
	require.Equal(t, []string{"nsenter --target 4242 --mount --net -- sh -c cat /tmp/marker"}, plc.Commands())
}

func TestExecNetMountRejectsMissingAnchor(t *testing.T) {
	plc := platform.NewMockExecClient(false)
	svc := NewService(plc, "", zap.NewNop())

	_, err := svc.ExecNetMount(context.Background(), 0, Request{Command: "true"})
	require.ErrorIs(t, err, ErrNamespaceEntry)
	require.Empty(t, plc.Commands())
}

func TestCaptureModeErrors(t *testing.T) {
	tests := []struct {
		name       string
		out        string
		err        func(t *testing.T) error
		wantStatus int
		wantErr    error
	}{
		{
			name:       "non-zero exit is a result, not an error",
			out:        "no such file\n",
			err:        func(t *testing.T) error { return exitError(t, "2") },
			wantStatus: 2,
		},
		{
			name:       "nsenter refusal",
			out:        "nsenter: cannot open /proc/99/ns/mnt: No such file or directory\n",
			err:        func(t *testing.T) error { return exitError(t, "1") },
			wantStatus: 1,
			wantErr:    ErrNamespaceEntry,
		},
		{
			name:       "missing namespace",
			out:        "Cannot open network namespace \"h9\": No such file or directory\n",
			err:        func(t *testing.T) error { return exitError(t, "255") },
			wantStatus: 255,
			wantErr:    ErrNamespaceEntry,
		},
		{
			name:       "timeout",
			err:        func(*testing.T) error { return errors.Wrap(platform.ErrCommandTimeout, "sleep") },
			wantStatus: platform.StatusTimedOut,
			wantErr:    platform.ErrCommandTimeout,
		},
		{
			name:    "launch failure",
			err:     func(*testing.T) error { return exec.ErrNotFound },
			wantErr: ErrNamespaceEntry,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			execErr := tt.err(t)
			plc := platform.NewMockExecClient(false)
			plc.SetExecCommand(func(string, ...string) (string, error) {
				return tt.out, execErr
			})
			svc := NewService(plc, "", zap.NewNop())

			res, err := svc.ExecNet(context.Background(), "h1", Request{Command: "x"})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantStatus, res.Status)
		})
	}
}

func TestStreamMode(t *testing.T) {
	plc := platform.NewMockExecClient(false)
	plc.SetStreamCommand(func(w io.Writer, _ string, _ ...string) (int, error) {
		_, _ = io.WriteString(w, "line\n")
		return 7, nil
	})
	svc := NewService(plc, "", zap.NewNop())

	var buf bytes.Buffer
	res, err := svc.ExecNet(context.Background(), "h1", Request{Command: "x", Output: &buf})
	require.NoError(t, err)
	require.Equal(t, 7, res.Status)
	require.Equal(t, "line\n", buf.String())

	plc.SetStreamCommand(func(io.Writer, string, ...string) (int, error) {
		return platform.StatusInterrupted, errors.Wrap(platform.ErrInterrupted, "x")
	})
	res, err = svc.ExecNet(context.Background(), "h1", Request{Command: "x", Output: &buf})
	require.ErrorIs(t, err, platform.ErrInterrupted)
	require.Equal(t, platform.StatusInterrupted, res.Status)

	plc.SetStreamCommand(func(io.Writer, string, ...string) (int, error) {
		return 0, exec.ErrNotFound
	})
	_, err = svc.ExecNet(context.Background(), "h1", Request{Command: "x", Output: &buf})
	require.ErrorIs(t, err, ErrNamespaceEntry)
}

func TestStreamModeEntryRefused(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		status    int
		wantEntry bool
	}{
		{
			name:      "anchor gone before nsenter",
			output:    "nsenter: cannot open /proc/4242/ns/mnt: No such file or directory\n",
			status:    1,
			wantEntry: true,
		},
		{
			name:      "namespace deleted",
			output:    "Cannot open network namespace \"h1\": No such file or directory\n",
			status:    255,
			wantEntry: true,
		},
		{
			name:   "command output mentioning nsenter",
			output: "usage: nsenter: is a tool\nnsenter: later line\n",
			status: 1,
		},
		{
			name:   "successful command printing the diagnostic",
			output: "nsenter: cannot open /proc/1/ns/mnt\n",
			status: 0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			plc := platform.NewMockExecClient(false)
			plc.SetStreamCommand(func(w io.Writer, _ string, _ ...string) (int, error) {
				_, _ = io.WriteString(w, tt.output)
				return tt.status, nil
			})
			svc := NewService(plc, "", zap.NewNop())

			var buf bytes.Buffer
			res, err := svc.ExecNetMount(context.Background(), 4242, Request{Command: "cat /etc/hosts", Output: &buf})
			require.Equal(t, tt.status, res.Status)
			require.Equal(t, tt.output, buf.String())
			if tt.wantEntry {
				require.ErrorIs(t, err, ErrNamespaceEntry)
				return
			}
			require.NoError(t, err)
		})
	}
}
