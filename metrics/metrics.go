// Package metrics exposes engine health as Prometheus metrics.
//
// Every recording method is safe on a nil *Engine, so components accept a
// nil collector when metrics are off.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Engine contains the backend's Prometheus metrics.
type Engine struct {
	xruns        prometheus.Counter
	cycles       prometheus.Counter
	dspLoad      prometheus.Gauge
	deviation    prometheus.Histogram
	midiDropped  *prometheus.CounterVec
	freewheeling prometheus.Gauge
	state        prometheus.Gauge

	collectors []prometheus.Collector
}

// NewEngine creates the engine metrics and registers them with registry.
func NewEngine(registry *prometheus.Registry) (*Engine, error) {
	m := &Engine{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Engine) initMetrics() {
	m.xruns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paengine_xruns_total",
		Help: "Buffer over- and underruns reported by the audio device",
	})
	m.cycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paengine_cycles_total",
		Help: "Processing cycles completed",
	})
	m.dspLoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "paengine_dsp_load",
		Help: "Smoothed share of the cycle spent processing (0..1)",
	})
	m.deviation = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "paengine_cycle_deviation_microseconds",
		Help:    "Distance between the measured and nominal cycle interval",
		Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10us to ~20ms
	})
	m.midiDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paengine_midi_dropped_total",
		Help: "MIDI messages dropped by device and reason",
	}, []string{"device", "reason"})
	m.freewheeling = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "paengine_freewheel_active",
		Help: "1 while the engine renders in freewheel mode",
	})
	m.state = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "paengine_engine_state",
		Help: "Backend state: 0 stopped, 1 starting, 2 running, 3 freewheeling, 4 stopping",
	})

	m.collectors = []prometheus.Collector{
		m.xruns, m.cycles, m.dspLoad, m.deviation,
		m.midiDropped, m.freewheeling, m.state,
	}
}

// Describe implements the Collector interface
func (m *Engine) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *Engine) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

func (m *Engine) RecordXRun() {
	if m != nil {
		m.xruns.Inc()
	}
}

// RecordCycle records one completed cycle with its smoothed DSP load and
// interval deviation.
func (m *Engine) RecordCycle(load float64, deviationUs float64) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.dspLoad.Set(load)
	m.deviation.Observe(deviationUs)
}

func (m *Engine) RecordMidiDrop(device, reason string) {
	if m != nil {
		m.midiDropped.WithLabelValues(device, reason).Inc()
	}
}

func (m *Engine) SetFreewheeling(on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.freewheeling.Set(v)
}

func (m *Engine) SetState(state int) {
	if m != nil {
		m.state.Set(float64(state))
	}
}
