// Package metrics keeps process-local Prometheus counters for the launch
// supervisor and the diagnostics aggregator. Nothing is served or uploaded;
// the registry is rendered to text on demand.
package metrics

import (
	"bytes"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "bootguard"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	launchAttempts  *prometheus.CounterVec
	launchOutcomes  *prometheus.CounterVec
	integrityChecks *prometheus.CounterVec
	crashRecords    *prometheus.CounterVec
	samples         prometheus.Counter
	pruned          prometheus.Counter
	safeMode        prometheus.Gauge
	memoryRatio     prometheus.Gauge
}

// New creates collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		launchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "launch_attempts_total",
				Help:      "Launch attempts by initialization path",
			},
			[]string{"path"}, // "full", "safe"
		),
		launchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "launch_sequences_total",
				Help:      "Completed launch sequences by result",
			},
			[]string{"result"}, // "succeeded", "failed"
		),
		integrityChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "integrity_checks_total",
				Help:      "Integrity checks by probe and result",
			},
			[]string{"probe", "result"},
		),
		crashRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crash_records_total",
				Help:      "Crash records persisted by type",
			},
			[]string{"type"},
		),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "performance_samples_total",
			Help:      "Periodic performance snapshots persisted",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "performance_samples_pruned_total",
			Help:      "Performance snapshots deleted by retention",
		}),
		safeMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "safe_mode",
			Help:      "1 while the supervisor is in safe mode",
		}),
		memoryRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_used_ratio",
			Help:      "Last observed host memory usage ratio",
		}),
	}

	m.registry.MustRegister(
		m.launchAttempts,
		m.launchOutcomes,
		m.integrityChecks,
		m.crashRecords,
		m.samples,
		m.pruned,
		m.safeMode,
		m.memoryRatio,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// LaunchAttempt counts one attempt on the given path.
func (m *Metrics) LaunchAttempt(safe bool) {
	if m == nil {
		return
	}
	path := "full"
	if safe {
		path = "safe"
	}
	m.launchAttempts.WithLabelValues(path).Inc()
}

// LaunchFinished counts a completed launch sequence.
func (m *Metrics) LaunchFinished(ok bool) {
	if m == nil {
		return
	}
	m.launchOutcomes.WithLabelValues(result(ok, "succeeded", "failed")).Inc()
}

// IntegrityCheck counts one probe outcome.
func (m *Metrics) IntegrityCheck(probe string, ok bool) {
	if m == nil {
		return
	}
	m.integrityChecks.WithLabelValues(probe, result(ok, "pass", "fail")).Inc()
}

// CrashRecorded counts a persisted crash record.
func (m *Metrics) CrashRecorded(kind string) {
	if m == nil {
		return
	}
	m.crashRecords.WithLabelValues(kind).Inc()
}

// SampleStored counts a persisted performance snapshot and the snapshots
// pruned after it.
func (m *Metrics) SampleStored(pruned int) {
	if m == nil {
		return
	}
	m.samples.Inc()
	if pruned > 0 {
		m.pruned.Add(float64(pruned))
	}
}

// SetSafeMode mirrors the supervisor flag.
func (m *Metrics) SetSafeMode(on bool) {
	if m == nil {
		return
	}
	if on {
		m.safeMode.Set(1)
	} else {
		m.safeMode.Set(0)
	}
}

// ObserveMemory records the latest memory ratio.
func (m *Metrics) ObserveMemory(ratio float64) {
	if m == nil {
		return
	}
	m.memoryRatio.Set(ratio)
}

// WriteText renders every metric family in the Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("encoding metric %s: %w", mf.GetName(), err)
		}
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
