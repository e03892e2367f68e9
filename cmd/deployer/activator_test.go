package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/dreamdeploy/internal/compilejob"
	"github.com/k11v/dreamdeploy/internal/dmb"
	"github.com/k11v/dreamdeploy/internal/eventhook"
	"github.com/k11v/dreamdeploy/internal/remotestatus"
)

type StubDatabase struct {
	Latest *compilejob.CompileJob
}

func (db StubDatabase) GetLatestCompileJob(context.Context) (*compilejob.CompileJob, error) {
	if db.Latest == nil {
		return nil, compilejob.ErrNotFound
	}
	return db.Latest, nil
}

func newTestBuild(tb testing.TB, root string, id int64) *compilejob.CompileJob {
	tb.Helper()
	job := &compilejob.CompileJob{ID: id, DirectoryName: uuid.New(), DmeName: "tgstation"}
	dir := dmb.BuildDirectory(root, job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	if err := os.WriteFile(filepath.Join(dir, job.DmbName()), []byte("dmb"), 0o644); err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	return job
}

// waitForLive waits until Live holds the dmb of job.
func waitForLive(tb testing.TB, root string, job *compilejob.CompileJob) {
	tb.Helper()
	want, err := os.Stat(filepath.Join(dmb.BuildDirectory(root, job), job.DmbName()))
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := os.Stat(filepath.Join(root, dmb.LiveDirectoryName, job.DmbName()))
		if err == nil && os.SameFile(got, want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	tb.Fatalf("got Live not pointing at build %d, want it to", job.ID)
}

func TestActivator(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs symlinks and hard links")
	}

	for _, strategy := range []string{swapStrategySymlink, swapStrategyHardLink} {
		t.Run("activates newer builds with "+strategy, func(t *testing.T) {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			root := t.TempDir()
			factory := dmb.NewFactory(&dmb.FactoryParams{
				Root:         root,
				Database:     StubDatabase{},
				Events:       eventhook.NewRunner("", logger),
				RemoteStatus: remotestatus.Nop{},
				Logger:       logger,
			})
			ctx, cancel := context.WithCancel(context.Background())
			if err := factory.Start(ctx); err != nil {
				t.Fatalf("didn't want %q", err)
			}

			a := &activator{factory: factory, swapStrategy: strategy, concurrency: 2, logger: logger}
			done := make(chan error, 1)
			go func() {
				done <- a.Run(ctx)
			}()

			first := newTestBuild(t, root, 1)
			if err := factory.LoadCompileJob(ctx, first); err != nil {
				t.Fatalf("didn't want %q", err)
			}
			waitForLive(t, root, first)

			second := newTestBuild(t, root, 2)
			if err := factory.LoadCompileJob(ctx, second); err != nil {
				t.Fatalf("didn't want %q", err)
			}
			waitForLive(t, root, second)

			cancel()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Fatal("got activator still running, want it stopped")
			}
			if err := factory.Stop(context.Background()); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		})
	}
}

func TestActivatorReattach(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs hard links")
	}

	t.Run("reattaches to the build Live already runs", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		root := t.TempDir()
		job := newTestBuild(t, root, 1)

		live := filepath.Join(root, dmb.LiveDirectoryName)
		if err := os.MkdirAll(live, 0o755); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err := os.Link(filepath.Join(dmb.BuildDirectory(root, job), job.DmbName()), filepath.Join(live, job.DmbName())); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		before, err := os.Lstat(live)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		factory := dmb.NewFactory(&dmb.FactoryParams{
			Root:         root,
			Database:     StubDatabase{Latest: job},
			Events:       eventhook.NewRunner("", logger),
			RemoteStatus: remotestatus.Nop{},
			Logger:       logger,
		})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err = factory.Start(ctx); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		a := &activator{factory: factory, swapStrategy: swapStrategyHardLink, concurrency: 2, logger: logger}
		done := make(chan error, 1)
		go func() {
			done <- a.Run(ctx)
		}()

		deadline := time.Now().Add(10 * time.Second)
		for !strings.Contains(lockStats(factory), liveLockReason+", created") {
			if time.Now().After(deadline) {
				t.Fatal("got no live lock, want one")
			}
			time.Sleep(10 * time.Millisecond)
		}

		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("got activator still running, want it stopped")
		}

		after, err := os.Lstat(live)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !os.SameFile(before, after) {
			t.Error("got Live replaced, want it kept")
		}
		if got := lockStats(factory); !strings.Contains(got, "kept alive: true") {
			t.Errorf("got %q, want the live lock kept alive", got)
		}
		if err = factory.Stop(context.Background()); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	})
}

func lockStats(f *dmb.Factory) string {
	buf := new(bytes.Buffer)
	f.LogLockStats(buf)
	return buf.String()
}
