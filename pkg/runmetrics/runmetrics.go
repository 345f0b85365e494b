// Package runmetrics exports the outcome of a run as a prometheus textfile,
// for pickup by the node_exporter textfile collector.
package runmetrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "snapback"

// Run is what a finished run reports.
type Run struct {
	Command    string
	Outcome    string // full, incremental, skipped, no_changes or failed
	Success    bool
	Started    time.Time
	Duration   time.Duration
	Files      int64
	Bytes      int64
	Pruned     int
	Replicated int
}

// Collector holds the gauges of one run on a private registry.
type Collector struct {
	registry *prometheus.Registry

	lastRun    *prometheus.GaugeVec
	success    prometheus.Gauge
	duration   prometheus.Gauge
	files      prometheus.Gauge
	bytes      prometheus.Gauge
	pruned     prometheus.Gauge
	replicated prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Start time of the last run, by command and outcome.",
		}, []string{"command", "outcome"}),
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run succeeded, 0 otherwise.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
		files: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_files",
			Help:      "Files included in the last archive.",
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_bytes",
			Help:      "Bytes included in the last archive.",
		}),
		pruned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_pruned_archives",
			Help:      "Archives deleted by retention in the last run.",
		}),
		replicated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_replicated_archives",
			Help:      "Archives transferred to the replication destination in the last run.",
		}),
	}
	c.registry.MustRegister(c.lastRun, c.success, c.duration, c.files, c.bytes, c.pruned, c.replicated)
	return c
}

// Observe records r.
func (c *Collector) Observe(r Run) {
	c.lastRun.Reset()
	c.lastRun.WithLabelValues(r.Command, r.Outcome).Set(float64(r.Started.Unix()))
	if r.Success {
		c.success.Set(1)
	} else {
		c.success.Set(0)
	}
	c.duration.Set(r.Duration.Seconds())
	c.files.Set(float64(r.Files))
	c.bytes.Set(float64(r.Bytes))
	c.pruned.Set(float64(r.Pruned))
	c.replicated.Set(float64(r.Replicated))
}

// WriteTextfile atomically writes the registry to path.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}

// Registry exposes the underlying registry, e.g. for testutil.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
