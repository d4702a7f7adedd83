package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deadair"

// Metrics holds the keeper's Prometheus collectors
type Metrics struct {
	SongsPlayed     prometheus.Counter
	ProbeFailures   prometheus.Counter
	Recoveries      *prometheus.CounterVec
	Restarts        *prometheus.CounterVec
	Regenerations   *prometheus.CounterVec
	Commands        *prometheus.CounterVec
	Healthy         prometheus.Gauge
	Playing         prometheus.Gauge
	SkipCount       prometheus.Gauge
	PlaylistTracks  prometheus.Gauge
	PlaylistPlayed  prometheus.Gauge
	PipelineRunning prometheus.Gauge
}

// NewMetrics registers all collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SongsPlayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "songs_played_total",
			Help:      "Tracks opened by the playback pipeline.",
		}),
		ProbeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_probe_failures_total",
			Help:      "Tracks whose duration could not be probed.",
		}),
		Recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Full recovery cycles triggered by the watchdog, by reason.",
		}, []string{"reason"}),
		Restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_restarts_total",
			Help:      "Crash restarts attempted by the supervisor.",
		}, []string{"process", "result"}),
		Regenerations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playlist_regenerations_total",
			Help:      "Playlist rebuilds, by trigger.",
		}, []string{"trigger"}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Control commands received, by source.",
		}, []string{"source"}),
		Healthy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy",
			Help:      "1 when the last watchdog verdict was healthy.",
		}),
		Playing: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playing",
			Help:      "1 when health checks are enforced.",
		}),
		SkipCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watchdog_skip_count",
			Help:      "Consecutive premature track skips.",
		}),
		PlaylistTracks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playlist_tracks",
			Help:      "Entries in the current playlist.",
		}),
		PlaylistPlayed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playlist_played",
			Help:      "Entries played from the current playlist.",
		}),
		PipelineRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while the playback pipeline is running.",
		}),
	}
}

// ObserveRestart records a supervisor restart attempt
func (m *Metrics) ObserveRestart(process string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Restarts.WithLabelValues(process, result).Inc()
}

func boolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// SetHealthy records the latest watchdog verdict
func (m *Metrics) SetHealthy(v bool) { boolGauge(m.Healthy, v) }

// SetPlaying records whether checks are enforced
func (m *Metrics) SetPlaying(v bool) { boolGauge(m.Playing, v) }

// SetPipelineRunning records pipeline liveness
func (m *Metrics) SetPipelineRunning(v bool) { boolGauge(m.PipelineRunning, v) }
