package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	t.Run("counts deployments by result", func(t *testing.T) {
		m := New(prometheus.NewRegistry())

		m.DeploymentFinished(ResultSucceeded, time.Minute)
		m.DeploymentFinished(ResultFailed, time.Second)
		m.DeploymentFinished(ResultFailed, time.Second)

		if got, want := testutil.ToFloat64(m.deployments.WithLabelValues(ResultFailed)), 2.0; got != want {
			t.Errorf("got %v failed deployments, want %v", got, want)
		}
		if got, want := testutil.ToFloat64(m.deployments.WithLabelValues(ResultSucceeded)), 1.0; got != want {
			t.Errorf("got %v succeeded deployments, want %v", got, want)
		}
	})

	t.Run("tracks active locks", func(t *testing.T) {
		m := New(prometheus.NewRegistry())

		m.LockAcquired()
		m.LockAcquired()
		m.LockReleased()

		if got, want := testutil.ToFloat64(m.activeLocks), 1.0; got != want {
			t.Errorf("got %v active locks, want %v", got, want)
		}
	})

	t.Run("counts swept directories by outcome", func(t *testing.T) {
		m := New(prometheus.NewRegistry())

		m.DirectorySwept(nil)
		m.DirectorySwept(errors.New("permission denied"))

		if got, want := testutil.ToFloat64(m.sweptDirectories.WithLabelValues("failed")), 1.0; got != want {
			t.Errorf("got %v failed removals, want %v", got, want)
		}
	})

	t.Run("ignores a nil receiver", func(t *testing.T) {
		var m *Metrics
		m.DeploymentFinished(ResultSucceeded, time.Second)
		m.LockAcquired()
		m.DirectorySwept(nil)
	})
}
