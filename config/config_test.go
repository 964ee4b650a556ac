package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const topologyYAML = `
runDir: /tmp/mmns-run
log:
  level: debug
  format: logfmt
anchor:
  pollAttempts: 10
  pollInterval: 50ms
cmdTimeout: 5s
metricsAddr: 127.0.0.1:9090
topology:
  hosts:
    - name: h1
      overrides:
        - target: /etc/hosts
          source: /tmp/h1_hosts
      setup:
        - sysctl -w net.ipv4.ip_forward=1
    - name: h2
  links:
    - a: h1
      b: h2
      addrA: 10.0.0.1/24
      addrB: 10.0.0.2/24
  bridge:
    subnet: 10.10.0.0/24
    externalIf: ens3
    hosts:
      - host: h1
      - host: h2
        ipLast: 20
`

func newTestViper(t *testing.T, files map[string]string) *Config {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, data := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(data), 0o644))
	}
	v := New()
	v.SetFs(fs)
	path := ""
	for name := range files {
		path = name
	}
	cfg, err := Load(v, path)
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := newTestViper(t, nil)
	require.Equal(t, "/run/mmns", cfg.RunDir)
	require.Equal(t, "bash", cfg.Shell)
	require.Equal(t, Log{Level: "info", Format: "console"}, cfg.Log)
	require.Equal(t, Anchor{PollAttempts: 30, PollInterval: 100 * time.Millisecond}, cfg.Anchor)
	require.Equal(t, 10*time.Second, cfg.MountTimeout)
	require.Equal(t, 30*time.Second, cfg.CmdTimeout)
	require.Equal(t, 2*time.Second, cfg.StreamGrace)
	require.Empty(t, cfg.MetricsAddr)
	require.Empty(t, cfg.Topology.Hosts)
}

func TestLoadTopologyFile(t *testing.T) {
	cfg := newTestViper(t, map[string]string{"/etc/mmns/topo.yaml": topologyYAML})

	require.Equal(t, "/tmp/mmns-run", cfg.RunDir)
	require.Equal(t, Log{Level: "debug", Format: "logfmt"}, cfg.Log)
	require.Equal(t, Anchor{PollAttempts: 10, PollInterval: 50 * time.Millisecond}, cfg.Anchor)
	require.Equal(t, 5*time.Second, cfg.CmdTimeout)
	require.Equal(t, "127.0.0.1:9090", cfg.MetricsAddr)

	want := Topology{
		Hosts: []HostSpec{
			{
				Name:      "h1",
				Overrides: []OverrideSpec{{Target: "/etc/hosts", Source: "/tmp/h1_hosts"}},
				Setup:     []string{"sysctl -w net.ipv4.ip_forward=1"},
			},
			{Name: "h2"},
		},
		Links: []LinkSpec{{A: "h1", B: "h2", AddrA: "10.0.0.1/24", AddrB: "10.0.0.2/24"}},
		Bridge: &BridgeSpec{
			Subnet:     "10.10.0.0/24",
			ExternalIf: "ens3",
			Hosts:      []BridgePortSpec{{Host: "h1"}, {Host: "h2", IPLast: 20}},
		},
	}
	if diff := cmp.Diff(want, cfg.Topology); diff != "" {
		t.Fatalf("topology (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"h1", "h2"}, cfg.Topology.HostNames())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MMNS_LOG_LEVEL", "warn")
	t.Setenv("MMNS_CMDTIMEOUT", "1m")
	cfg := newTestViper(t, map[string]string{"/topo.yaml": topologyYAML})
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, time.Minute, cfg.CmdTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	v := New()
	v.SetFs(afero.NewMemMapFs())
	_, err := Load(v, "/nope.yaml")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			RunDir:       "/run/mmns",
			Anchor:       Anchor{PollAttempts: 30, PollInterval: time.Millisecond},
			MountTimeout: time.Second,
			Topology: Topology{
				Hosts: []HostSpec{{Name: "h1"}, {Name: "h2"}},
				Links: []LinkSpec{{A: "h1", B: "h2"}},
			},
		}
	}
	tests := []struct {
		name       string
		mutate     func(c *Config)
		wantErr    bool
		wantErrMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:       "relative run dir",
			mutate:     func(c *Config) { c.RunDir = "run" },
			wantErr:    true,
			wantErrMsg: `runDir "run" is not absolute: invalid config`,
		},
		{
			name:       "zero poll attempts",
			mutate:     func(c *Config) { c.Anchor.PollAttempts = 0 },
			wantErr:    true,
			wantErrMsg: "anchor.pollAttempts must be positive: invalid config",
		},
		{
			name:       "duplicate host",
			mutate:     func(c *Config) { c.Topology.Hosts = append(c.Topology.Hosts, HostSpec{Name: "h1"}) },
			wantErr:    true,
			wantErrMsg: "duplicate host h1: invalid config",
		},
		{
			name:       "unknown link host",
			mutate:     func(c *Config) { c.Topology.Links[0].B = "h9" },
			wantErr:    true,
			wantErrMsg: "link 0 references unknown host (h1, h9): invalid config",
		},
		{
			name:       "self link",
			mutate:     func(c *Config) { c.Topology.Links[0].B = "h1" },
			wantErr:    true,
			wantErrMsg: "link 0 connects h1 to itself: invalid config",
		},
		{
			name:    "bad link address",
			mutate:  func(c *Config) { c.Topology.Links[0].AddrA = "10.0.0.1" },
			wantErr: true,
		},
		{
			name: "relative override",
			mutate: func(c *Config) {
				c.Topology.Hosts[0].Overrides = []OverrideSpec{{Target: "etc/hosts", Source: "/tmp/x"}}
			},
			wantErr: true,
		},
		{
			name:       "unknown bridge host",
			mutate:     func(c *Config) { c.Topology.Bridge = &BridgeSpec{Hosts: []BridgePortSpec{{Host: "h3"}}} },
			wantErr:    true,
			wantErrMsg: "bridge references unknown host h3: invalid config",
		},
		{
			name:    "bad bridge subnet",
			mutate:  func(c *Config) { c.Topology.Bridge = &BridgeSpec{Subnet: "nope"} },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			if tt.wantErrMsg != "" {
				require.EqualError(t, err, tt.wantErrMsg)
			}
		})
	}
}
