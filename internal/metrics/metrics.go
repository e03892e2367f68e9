// Package metrics holds the Prometheus collectors of the deployer.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dreamdeploy"

// Deployment results.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
	ResultTimedOut  = "timed_out"
)

type Metrics struct {
	deployments        *prometheus.CounterVec
	deploymentDuration prometheus.Histogram
	activeLocks        prometheus.Gauge
	loadedBuilds       prometheus.Gauge
	sweptDirectories   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	return &Metrics{
		deployments: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Number of finished deployments by result",
		}, []string{"result"}),
		deploymentDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Duration of deployments from start to commit",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}),
		activeLocks: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_locks_active",
			Help:      "Number of held build locks",
		}),
		loadedBuilds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_loaded",
			Help:      "Number of builds with at least one lock",
		}),
		sweptDirectories: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_directories_total",
			Help:      "Number of build directories removed by cleanup sweeps by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) DeploymentFinished(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(result).Inc()
	if result == ResultSucceeded {
		m.deploymentDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) LockAcquired() {
	if m == nil {
		return
	}
	m.activeLocks.Inc()
}

func (m *Metrics) LockReleased() {
	if m == nil {
		return
	}
	m.activeLocks.Dec()
}

func (m *Metrics) BuildLoaded() {
	if m == nil {
		return
	}
	m.loadedBuilds.Inc()
}

func (m *Metrics) BuildUnloaded() {
	if m == nil {
		return
	}
	m.loadedBuilds.Dec()
}

// DirectorySwept records a removal attempt by a cleanup sweep.
func (m *Metrics) DirectorySwept(err error) {
	if m == nil {
		return
	}
	outcome := "removed"
	if err != nil {
		outcome = "failed"
	}
	m.sweptDirectories.WithLabelValues(outcome).Inc()
}
