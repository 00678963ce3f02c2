package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus collectors for the relay.
type Metrics struct {
	DevicesOnline    prometheus.Gauge
	ViewersConnected prometheus.Gauge
	ActiveSessions   prometheus.Gauge
	ActivePairings   prometheus.Gauge

	FramesForwarded prometheus.Counter
	FramesDropped   prometheus.Counter
	BytesForwarded  prometheus.Counter

	Takeovers       prometheus.Counter
	SessionsIssued  prometheus.Counter
	SessionsExpired prometheus.Counter
	LivenessKills   prometheus.Counter
}

// New creates all collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DevicesOnline: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_devices_online",
			Help: "Current number of connected devices",
		}),
		ViewersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_viewers_connected",
			Help: "Current number of connected viewers",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of unexpired listen sessions",
		}),
		ActivePairings: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_pairings",
			Help: "Current number of device/viewer pairings",
		}),
		FramesForwarded: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_forwarded_total",
			Help: "Total audio frames forwarded to viewers",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Total audio frames dropped (unpaired, non-audio or backpressure)",
		}),
		BytesForwarded: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_forwarded_total",
			Help: "Total audio payload bytes forwarded to viewers",
		}),
		Takeovers: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_device_takeovers_total",
			Help: "Total device connections superseded by a newer one",
		}),
		SessionsIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_issued_total",
			Help: "Total listen tokens issued",
		}),
		SessionsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_expired_total",
			Help: "Total sessions removed by the expiry sweep",
		}),
		LivenessKills: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_liveness_kills_total",
			Help: "Total connections terminated for missing a ping",
		}),
	}
}
