// Package metrics records update runs as Prometheus metrics. The updater is a
// short-lived process, so metrics are exported by writing a node_exporter
// textfile rather than by serving /metrics.
package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lanternops/gamepatch/internal/logging"
	"github.com/lanternops/gamepatch/internal/manifest"
	"github.com/lanternops/gamepatch/internal/updater"
)

var log = logging.L("metrics")

// Metrics implements updater.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	patchesTotal   *prometheus.CounterVec
	patchDuration  *prometheus.HistogramVec
	stepsTotal     prometheus.Counter
	localVersion   prometheus.Gauge
	remoteVersion  prometheus.Gauge
	lastRunTime    prometheus.Gauge
	lastRunSuccess prometheus.Gauge
}

var _ updater.Recorder = (*Metrics)(nil)

// New registers the gamepatch metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamepatch_runs_total",
				Help: "Update runs by outcome (success, version_fetch, manifest, patch_apply, cancelled)",
			},
			[]string{"outcome"},
		),
		runDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gamepatch_run_duration_seconds",
				Help:    "Wall time of update runs",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
		),
		patchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamepatch_patches_applied_total",
				Help: "Patches applied by kind (delta, new)",
			},
			[]string{"kind"},
		),
		patchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gamepatch_patch_duration_seconds",
				Help:    "Download plus apply time per patch",
				Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
			},
			[]string{"kind"},
		),
		stepsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "gamepatch_version_steps_total",
				Help: "Version steps fully applied",
			},
		),
		localVersion: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gamepatch_local_version",
				Help: "Installed version after the last completed step",
			},
		),
		remoteVersion: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gamepatch_remote_version",
				Help: "Version published by the patch server at the last check",
			},
		),
		lastRunTime: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gamepatch_last_run_timestamp_seconds",
				Help: "Unix time the last run finished",
			},
		),
		lastRunSuccess: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gamepatch_last_run_success",
				Help: "1 if the last run succeeded, 0 otherwise",
			},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RunStarted(s *updater.Session) {
	m.localVersion.Set(float64(s.LocalAtStart))
}

func (m *Metrics) PatchApplied(_ *updater.Session, p manifest.Patch, elapsed time.Duration) {
	m.patchesTotal.WithLabelValues(p.Kind()).Inc()
	m.patchDuration.WithLabelValues(p.Kind()).Observe(elapsed.Seconds())
}

func (m *Metrics) StepCompleted(_ *updater.Session, version int) {
	m.stepsTotal.Inc()
	m.localVersion.Set(float64(version))
}

func (m *Metrics) RunFinished(s *updater.Session, err error) {
	outcome := "success"
	if err != nil {
		outcome = s.Kind.String()
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(time.Since(s.StartedAt).Seconds())
	if s.Remote > 0 || err == nil {
		m.remoteVersion.Set(float64(s.Remote))
	}
	m.lastRunTime.Set(float64(time.Now().Unix()))
	if err == nil {
		m.lastRunSuccess.Set(1)
	} else {
		m.lastRunSuccess.Set(0)
	}
}

// WriteTextfile writes every metric to path in the text exposition format.
// The write is atomic so node_exporter never reads a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return err
	}
	log.Debug("metrics written", "path", path)
	return nil
}
