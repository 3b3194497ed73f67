// Package metrics provides the Prometheus metrics of the loop host.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all collectors exported by the host. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	LoopIterations   prometheus.Counter
	Rewires          *prometheus.CounterVec
	RewireDuration   prometheus.Histogram
	TransportPlaying prometheus.Gauge
	FramesRendered   prometheus.Counter
	SilentFrames     prometheus.Counter
	DeviceUnderruns  prometheus.Counter
}

// New creates the host metrics and registers them with registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		LoopIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loophost_loop_iterations_total",
			Help: "Number of times the looped resource was scheduled.",
		}),
		Rewires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loophost_rewires_total",
			Help: "Completed graph rewires partitioned by target and result.",
		}, []string{"target", "result"}),
		RewireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loophost_rewire_duration_seconds",
			Help:    "Time from rewire start to completion, including unit instantiation.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),
		TransportPlaying: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loophost_transport_playing",
			Help: "1 while the transport is playing, 0 when stopped.",
		}),
		FramesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loophost_frames_rendered_total",
			Help: "Render cycles executed by the engine.",
		}),
		SilentFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loophost_frames_silent_total",
			Help: "Render cycles that produced silence because the graph was being rewired.",
		}),
		DeviceUnderruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loophost_device_underruns_total",
			Help: "Output device callbacks that found the jitter buffer short.",
		}),
	}
	if registry != nil {
		if err := registry.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register host metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LoopIterations,
		m.Rewires,
		m.RewireDuration,
		m.TransportPlaying,
		m.FramesRendered,
		m.SilentFrames,
		m.DeviceUnderruns,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// RecordLoop counts one scheduling of the looped resource.
func (m *Metrics) RecordLoop() {
	if m == nil {
		return
	}
	m.LoopIterations.Inc()
}

// RecordRewire records a finished rewire. target is the descriptor text or
// "bypass".
func (m *Metrics) RecordRewire(target string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Rewires.WithLabelValues(target, result).Inc()
	m.RewireDuration.Observe(elapsed.Seconds())
}

// SetPlaying mirrors the transport state.
func (m *Metrics) SetPlaying(playing bool) {
	if m == nil {
		return
	}
	if playing {
		m.TransportPlaying.Set(1)
	} else {
		m.TransportPlaying.Set(0)
	}
}

// RecordFrame counts one render cycle.
func (m *Metrics) RecordFrame(silent bool) {
	if m == nil {
		return
	}
	m.FramesRendered.Inc()
	if silent {
		m.SilentFrames.Inc()
	}
}

// RecordUnderrun counts one short device read.
func (m *Metrics) RecordUnderrun() {
	if m == nil {
		return
	}
	m.DeviceUnderruns.Inc()
}
