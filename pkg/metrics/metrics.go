// Package metrics records the outcome of the promotions. The promoter runs
// as a periodic job, so the metrics are written to a file for the node
// exporter textfile collector instead of being served.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/rdo-infra/ci-config/pkg/httphelper"
)

const namespace = "promoter"

// Result is the outcome of a promotion attempt on a target
type Result string

const (
	ResultPromoted Result = "promoted"
	ResultNone     Result = "none"
	ResultError    Result = "error"
	ResultDryRun   Result = "dry_run"
)

// Recorder collects the promotion metrics of a run
type Recorder struct {
	registry *prometheus.Registry
	now      func() time.Time

	attempts     *prometheus.CounterVec
	promotions   *prometheus.CounterVec
	lastPromoted *prometheus.GaugeVec
	// HTTP is handed to the http clients
	HTTP *httphelper.Metrics
}

// NewRecorder creates a recorder with its own registry
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		now:      time.Now,
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "promotion_attempts_total",
				Help:      "number of promotion attempts, sorted by target and candidate label",
			},
			[]string{"target", "candidate"},
		),
		promotions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "promotions_total",
				Help:      "number of promotion rounds, sorted by target label and result",
			},
			[]string{"target", "result"},
		),
		lastPromoted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_promoted_timestamp_seconds",
				Help:      "time of the last successful promotion to the target label",
			},
			[]string{"target"},
		),
		HTTP: httphelper.NewMetrics(namespace, registry),
	}
	registry.MustRegister(r.attempts, r.promotions, r.lastPromoted)
	return r
}

// Attempt counts a candidate tried for target
func (r *Recorder) Attempt(target, candidate string) {
	r.attempts.WithLabelValues(target, candidate).Inc()
}

// Record counts the result of a promotion round on target
func (r *Recorder) Record(target string, result Result) {
	r.promotions.WithLabelValues(target, string(result)).Inc()
	if result == ResultPromoted {
		r.lastPromoted.WithLabelValues(target).Set(float64(r.now().Unix()))
	}
}

// Flush writes the metrics to path. An empty path disables the output.
func (r *Recorder) Flush(logger *logrus.Entry, path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return err
	}
	logger.Debugf("Wrote metrics to %s", path)
	return nil
}

// Gatherer exposes the collected metrics
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}
