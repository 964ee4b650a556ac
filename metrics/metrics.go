// Package metrics holds the Prometheus collectors for anchors, overrides and
// host commands.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mmns"

// Route labels.
const (
	RouteNet      = "net"
	RouteNetMount = "net_mount"
)

// Mode labels.
const (
	ModeCapture = "capture"
	ModeStream  = "stream"
)

var (
	AnchorStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anchor_starts_total",
			Help:      "Mount namespace anchor processes started.",
		},
		[]string{"host"},
	)
	AnchorDeaths = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anchor_deaths_total",
			Help:      "Anchor processes found dead by a liveness probe.",
		},
		[]string{"host"},
	)
	Overrides = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overrides",
			Help:      "Active path overrides per host.",
		},
		[]string{"host"},
	)
	Commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands run inside hosts.",
		},
		[]string{"host", "route", "mode"},
	)
	CommandTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_timeouts_total",
			Help:      "Commands that exceeded their timeout.",
		},
		[]string{"host"},
	)
	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Wall time of host commands.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(
		AnchorStarts,
		AnchorDeaths,
		Overrides,
		Commands,
		CommandTimeouts,
		CommandDuration,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
