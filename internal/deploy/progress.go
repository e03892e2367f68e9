package deploy

import (
	"context"
	"time"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

// ProgressFunc receives the estimated completion percentage of a deployment.
type ProgressFunc func(percent int)

// startProgress reports 0 and then one percent every estimate/100 until
// 99 or until stop is called. Nothing is reported after stop returns.
func startProgress(ctx context.Context, progress ProgressFunc, estimate time.Duration) (stop func()) {
	if progress == nil {
		return func() {}
	}
	progress(0)
	if estimate <= 0 {
		return func() {}
	}

	interval := estimate / 100
	if interval <= 0 {
		interval = time.Millisecond
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for percent := 1; percent < 100; percent++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			select {
			case <-ctx.Done():
				return
			default:
				progress(percent)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// averageDuration returns the mean duration of jobs, or 0 without jobs.
func averageDuration(jobs []*compilejob.CompileJob) time.Duration {
	var total time.Duration
	n := 0
	for _, job := range jobs {
		d := job.Duration()
		if d <= 0 {
			continue
		}
		total += d
		n++
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}
