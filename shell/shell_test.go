package shell

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/netemu/mmns/mounthelper"
	"github.com/netemu/mmns/platform"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type call struct {
	command string
	timeout time.Duration
	stream  bool
}

type fakeHost struct {
	name      string
	output    string
	status    int
	err       error
	overrides []mounthelper.Entry
	table     []string
	block     chan struct{}
	calls     []call
}

func (h *fakeHost) Name() string { return h.name }

func (h *fakeHost) Cmd(ctx context.Context, command string, timeout time.Duration) (string, error) {
	h.calls = append(h.calls, call{command: command, timeout: timeout})
	return h.output, h.err
}

func (h *fakeHost) CmdStream(ctx context.Context, command string, timeout time.Duration, w io.Writer) (int, error) {
	h.calls = append(h.calls, call{command: command, timeout: timeout, stream: true})
	if h.block != nil {
		close(h.block)
		<-ctx.Done()
		if errors.Is(context.Cause(ctx), platform.ErrInterrupted) {
			return platform.StatusInterrupted, platform.ErrInterrupted
		}
		return platform.StatusTimedOut, platform.ErrCommandTimeout
	}
	_, _ = io.WriteString(w, h.output)
	return h.status, h.err
}

func (h *fakeHost) Overrides() []mounthelper.Entry { return h.overrides }

func (h *fakeHost) MountTable(context.Context) ([]string, error) { return h.table, nil }

func run(t *testing.T, s *Shell, input string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, s.Run(context.Background(), strings.NewReader(input), &out))
	return out.String()
}

func newTestShell(hosts ...*fakeHost) *Shell {
	list := make([]Host, 0, len(hosts))
	for _, h := range hosts {
		list = append(list, h)
	}
	return New(list, afero.NewMemMapFs(), Options{}, zap.NewNop())
}

func TestRunHostCommand(t *testing.T) {
	h1 := &fakeHost{name: "h1", output: "PING 10.0.0.2\n1 received\n"}
	s := newTestShell(h1)

	out := run(t, s, "h1 ping -c 1 10.0.0.2\nexit\n")
	require.Contains(t, out, "PING 10.0.0.2\n1 received\n")
	require.NotContains(t, out, "[exit code")
	require.Equal(t, []call{{command: "ping -c 1 10.0.0.2", timeout: DefaultTimeout, stream: true}}, h1.calls)
	require.True(t, strings.HasSuffix(out, "Exiting CLI...\n"))
}

func TestRunReportsStatuses(t *testing.T) {
	tests := []struct {
		name    string
		host    *fakeHost
		input   string
		want    string
		notWant string
	}{
		{
			name:  "non-zero exit",
			host:  &fakeHost{name: "h1", status: 3},
			input: "h1 false\n",
			want:  "[exit code: 3]\n",
		},
		{
			name:    "timeout",
			host:    &fakeHost{name: "h1", status: platform.StatusTimedOut, err: platform.ErrCommandTimeout},
			input:   "timeout 5\nh1 sleep 10\n",
			want:    "[timeout] Command timed out after 5s\n",
			notWant: "[exit code",
		},
		{
			name:  "entry failure",
			host:  &fakeHost{name: "h1", err: errors.New("namespace entry failed")},
			input: "h1 true\n",
			want:  "[h1] error: namespace entry failed\n",
		},
		{
			name:  "unknown node",
			host:  &fakeHost{name: "h1"},
			input: "h9 true\n",
			want:  "Unknown node: h9\nAvailable nodes: h1\n",
		},
		{
			name:  "missing command",
			host:  &fakeHost{name: "h1"},
			input: "h1\n",
			want:  "Usage: <node|all> <command>\n",
		},
		{
			name:  "bad timeout",
			host:  &fakeHost{name: "h1"},
			input: "timeout soon\n",
			want:  "Usage: timeout <seconds>\n",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			out := run(t, newTestShell(tt.host), tt.input)
			require.Contains(t, out, tt.want)
			if tt.notWant != "" {
				require.NotContains(t, out, tt.notWant)
			}
		})
	}
}

func TestRunAll(t *testing.T) {
	b := &fakeHost{name: "b", output: "Linux b"}
	a := &fakeHost{name: "a", output: "Linux a\n"}
	c := &fakeHost{name: "c", err: errors.Wrap(platform.ErrCommandTimeout, "c")}
	s := newTestShell(c, b, a)

	out := run(t, s, "timeout 7\nall uname\n")
	require.Contains(t, out, "[a] Linux a\n[b] Linux b\n[c] [TIMEOUT after 7s]\n")
	require.Equal(t, []call{{command: "uname", timeout: 7 * time.Second}}, a.calls)
}

func TestNodesAndHelp(t *testing.T) {
	s := newTestShell(&fakeHost{name: "h2"}, &fakeHost{name: "h1"})
	out := run(t, s, "nodes\nhelp\n")
	require.Contains(t, out, "Available nodes:\n  - h1\n  - h2\n")
	require.Contains(t, out, "timeout <n>       - Set default timeout to n seconds (current: 30s)")
}

func TestMounts(t *testing.T) {
	h := &fakeHost{
		name:      "h1",
		overrides: []mounthelper.Entry{{Target: "/etc/hosts", Source: "/tmp/h1_hosts"}},
		table:     []string{"/dev/sda1 on /etc/hosts type ext4 (rw)"},
	}
	out := run(t, newTestShell(h, &fakeHost{name: "h2"}), "mounts h1\nmounts h2\n")
	require.Contains(t, out, "[h1] Mount overrides:\n  /etc/hosts <- /tmp/h1_hosts\n"+
		"[h1] Actual mounts in namespace:\n/dev/sda1 on /etc/hosts type ext4 (rw)\n")
	require.Contains(t, out, "[h2] Mount overrides:\n  (none)\n")
}

func TestInterruptCancelsRunningCommand(t *testing.T) {
	h := &fakeHost{name: "h1", block: make(chan struct{})}
	s := newTestShell(h)
	require.False(t, s.Interrupt(), "nothing to interrupt yet")

	go func() {
		<-h.block
		s.Interrupt()
	}()
	out := run(t, s, "h1 sleep 100\n")
	require.Contains(t, out, "[interrupted] Stopping command...")
	require.False(t, s.Interrupt())
}

func TestHistoryIsAppended(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/home/u/.mmns_history", []byte("nodes\n"), 0o600))
	s := New([]Host{&fakeHost{name: "h1"}}, fs, Options{HistoryPath: "/home/u/.mmns_history"}, zap.NewNop())

	run(t, s, "h1 ip addr\n\nquit\n")
	data, err := afero.ReadFile(fs, "/home/u/.mmns_history")
	require.NoError(t, err)
	require.Equal(t, "nodes\nh1 ip addr\nquit\n", string(data))
}

func TestComplete(t *testing.T) {
	s := newTestShell(&fakeHost{name: "h1"}, &fakeHost{name: "h2"}, &fakeHost{name: "router"})
	require.Equal(t, []string{"h1", "h2", "help"}, s.Complete("h"))
	require.Equal(t, []string{"nodes"}, s.Complete("n"))

	tests := []struct {
		name     string
		line     string
		pos      int
		wantLine string
		wantPos  int
		wantOK   bool
	}{
		{name: "unique", line: "ro", pos: 2, wantLine: "router ", wantPos: 7, wantOK: true},
		{name: "shared prefix", line: "h", pos: 1, wantLine: "h", wantPos: 1, wantOK: true},
		{name: "no match", line: "zz", pos: 2},
		{name: "second word", line: "h1 ip", pos: 5},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			line, pos, ok := s.autoComplete(tt.line, tt.pos, '\t')
			require.Equal(t, tt.wantOK, ok)
			if ok {
				require.Equal(t, tt.wantLine, line)
				require.Equal(t, tt.wantPos, pos)
			}
		})
	}
}
