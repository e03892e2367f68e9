package dmb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/k11v/dreamdeploy/internal/compilejob"
	"github.com/k11v/dreamdeploy/internal/eventhook"
	"github.com/k11v/dreamdeploy/internal/metrics"
	"github.com/k11v/dreamdeploy/internal/remotestatus"
)

var (
	ErrNoDmbAvailable = errors.New("no dmb available")
	ErrInvalidLocks   = errors.New("invalid lock count")
)

type Database interface {
	GetLatestCompileJob(ctx context.Context) (*compilejob.CompileJob, error)
}

type EventRunner interface {
	Run(ctx context.Context, event eventhook.Event, args ...string) error
}

// DirectoryReserver protects directories under the build root from sweeps.
type DirectoryReserver interface {
	ReserveDirectory(name string, reason string) (release func())
}

type FactoryParams struct {
	Root         string                // required
	Database     Database              // required
	Events       EventRunner           // required
	RemoteStatus remotestatus.Reporter // required
	Logger       *slog.Logger          // optional
	Metrics      *metrics.Metrics      // optional
}

var _ DirectoryReserver = (*Factory)(nil)

// Factory owns the next build and every build directory under the root.
type Factory struct {
	root         string
	db           Database
	events       EventRunner
	remoteStatus remotestatus.Reporter
	logger       *slog.Logger
	metrics      *metrics.Metrics

	mu           sync.Mutex
	started      bool
	next         *Lock
	managers     map[uuid.UUID]*LockManager
	reservations map[string]int
	deleting     map[string]struct{} // names claimed for deletion, until RemoveAll returns
	newer        *NewerDmb

	sweepMu  sync.Mutex
	cleanups sync.WaitGroup
}

func NewFactory(params *FactoryParams) *Factory {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		root:         params.Root,
		db:           params.Database,
		events:       params.Events,
		remoteStatus: params.RemoteStatus,
		logger:       logger.With("component", "dmb"),
		metrics:      params.Metrics,
		managers:     make(map[uuid.UUID]*LockManager),
		reservations: make(map[string]int),
		deleting:     make(map[string]struct{}),
		newer:        newNewerDmb(),
	}
}

func (f *Factory) Root() string {
	return f.root
}

// NewerDmb resolves once, when the build after the current one is loaded.
type NewerDmb struct {
	done chan struct{}
	job  *compilejob.CompileJob // valid after done is closed
}

func newNewerDmb() *NewerDmb {
	return &NewerDmb{done: make(chan struct{})}
}

func (n *NewerDmb) Done() <-chan struct{} {
	return n.done
}

// CompileJob returns the newer build, or nil if it hasn't resolved yet.
func (n *NewerDmb) CompileJob() *compilejob.CompileJob {
	select {
	case <-n.done:
		return n.job
	default:
		return nil
	}
}

// OnNewerDmb returns the current generation. Each LoadCompileJob resolves
// it and starts a new one.
func (f *Factory) OnNewerDmb() *NewerDmb {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newer
}

func (f *Factory) DmbAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next != nil
}

// LockNextDmb returns the next build. With extraLocks of zero it only peeks:
// closing the returned handle does nothing. Otherwise the build gets
// extraLocks locks, all released by closing the returned handle.
func (f *Factory) LockNextDmb(extraLocks int, reason string) (Provider, error) {
	if extraLocks < 0 {
		return nil, fmt.Errorf("lock next dmb: %d: %w", extraLocks, ErrInvalidLocks)
	}

	f.mu.Lock()
	if f.next == nil {
		f.mu.Unlock()
		return nil, fmt.Errorf("lock next dmb: %w", ErrNoDmbAvailable)
	}
	if extraLocks == 0 {
		v := &view{provider: f.next.manager.provider}
		f.mu.Unlock()
		return v, nil
	}

	locks := make([]*Lock, 0, extraLocks)
	var err error
	for range extraLocks {
		var l *Lock
		l, err = f.next.manager.AddLock(reason)
		if err != nil {
			break
		}
		locks = append(locks, l)
	}
	f.mu.Unlock()

	if err != nil {
		for _, l := range locks {
			_ = l.Close()
		}
		return nil, fmt.Errorf("lock next dmb: %w", err)
	}
	return &multiLock{locks: locks}, nil
}

// LoadCompileJob makes job the next build.
func (f *Factory) LoadCompileJob(ctx context.Context, job *compilejob.CompileJob) error {
	lock, err := f.fromCompileJob(job, "next build")
	if err != nil {
		return fmt.Errorf("load compile job: %w", err)
	}

	f.mu.Lock()
	started := f.started
	f.mu.Unlock()

	if started {
		if err = f.remoteStatus.StageDeployment(ctx, job); err != nil {
			f.logger.Warn("didn't stage remote deployment", "error", err, "compile_job_id", job.ID)
		}
	}

	f.mu.Lock()
	previous := f.next
	f.next = lock
	newer := f.newer
	f.newer = newNewerDmb()
	newer.job = job
	close(newer.done)
	f.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	f.logger.Info("loaded compile job", "compile_job_id", job.ID, "directory_name", job.DirectoryName.String())
	return nil
}

// FromCompileJob returns a lock on the build of job, tracking it if needed.
// It is used to reattach to a build a running server already uses.
func (f *Factory) FromCompileJob(_ context.Context, job *compilejob.CompileJob, reason string) (Provider, error) {
	lock, err := f.fromCompileJob(job, reason)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func (f *Factory) fromCompileJob(job *compilejob.CompileJob, reason string) (*Lock, error) {
	name := job.DirectoryName.String()

	f.mu.Lock()
	if _, ok := f.deleting[name]; ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("from compile job: %s is being deleted: %w", name, ErrDmbMissing)
	}
	if m, ok := f.managers[job.DirectoryName]; ok {
		lock, err := m.AddLock(reason)
		if err == nil {
			f.mu.Unlock()
			return lock, nil
		}
		if !errors.Is(err, ErrLockManagerDisposed) {
			f.mu.Unlock()
			return nil, fmt.Errorf("from compile job: %w", err)
		}
	}
	f.mu.Unlock()

	directory, err := resolveDirectory(f.root, job)
	if err != nil {
		f.logger.Warn("didn't find dmb", "compile_job_id", job.ID, "directory_name", job.DirectoryName.String(), "error", err)
		return nil, fmt.Errorf("from compile job: %w", err)
	}
	base := &directoryProvider{job: job, directory: directory}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.deleting[name]; ok {
		return nil, fmt.Errorf("from compile job: %s is being deleted: %w", name, ErrDmbMissing)
	}

	// A disposed manager is still mapped until its unload runs.
	if m, ok := f.managers[job.DirectoryName]; ok {
		lock, err := m.AddLock(reason)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockManagerDisposed) {
			return nil, fmt.Errorf("from compile job: %w", err)
		}
	}

	var manager *LockManager
	manager, first := newLockManager(base, reason, func() { f.unload(manager) }, f.logger, f.metrics)
	f.managers[job.DirectoryName] = manager
	f.metrics.BuildLoaded()
	return first, nil
}

// ReserveDirectory protects the directory named name under the root from
// sweeps until release is called.
func (f *Factory) ReserveDirectory(name string, reason string) (release func()) {
	f.mu.Lock()
	f.reservations[name]++
	f.mu.Unlock()
	f.logger.Debug("reserved directory", "name", name, "reason", reason)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.reservations[name]--
			if f.reservations[name] <= 0 {
				delete(f.reservations, name)
			}
			f.mu.Unlock()
		})
	}
}

// CleanUnusedCompileJobs deletes every directory under the root that isn't
// locked, reserved or Live. Failures are logged per directory.
func (f *Factory) CleanUnusedCompileJobs(ctx context.Context) error {
	f.cleanups.Add(1)
	defer f.cleanups.Done()

	f.sweepMu.Lock()
	defer f.sweepMu.Unlock()

	entries, err := os.ReadDir(f.root)
	if err != nil {
		return fmt.Errorf("clean unused compile jobs: %w", err)
	}

	deleted := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err = ctx.Err(); err != nil {
			return fmt.Errorf("clean unused compile jobs: %w", err)
		}
		if !f.claimDeletion(entry.Name()) {
			continue
		}

		if f.deleteDirectory(ctx, entry.Name()) {
			deleted++
		}
	}

	f.logger.Info("cleaned unused compile jobs", "deleted", deleted)
	return nil
}

// Start loads the latest compile job. It doesn't sweep, so a build a
// supervisor may still resume is kept.
func (f *Factory) Start(ctx context.Context) error {
	job, err := f.db.GetLatestCompileJob(ctx)
	if err != nil && !errors.Is(err, compilejob.ErrNotFound) {
		return fmt.Errorf("dmb.Factory: %w", err)
	}
	if job != nil {
		if err = f.LoadCompileJob(ctx, job); err != nil && !errors.Is(err, ErrDmbMissing) {
			return fmt.Errorf("dmb.Factory: %w", err)
		}
	}

	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

// Stop waits for running cleanups or until ctx is done.
func (f *Factory) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.started = false
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.cleanups.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dmb.Factory: %w", ctx.Err())
	}
}

// LogLockStats writes the locks of every tracked build to w.
func (f *Factory) LogLockStats(w io.Writer) {
	f.mu.Lock()
	managers := make([]*LockManager, 0, len(f.managers))
	for _, m := range f.managers {
		managers = append(managers, m)
	}
	var nextName string
	if f.next != nil {
		nextName = f.next.CompileJob().DirectoryName.String()
	}
	f.mu.Unlock()

	sort.Slice(managers, func(i, j int) bool {
		return managers[i].CompileJob().ID < managers[j].CompileJob().ID
	})

	_, _ = fmt.Fprintf(w, "Next build: %s\n", nextName)
	for _, m := range managers {
		m.LogLockStats(w)
	}
}

// claimDeletion marks name as being deleted unless it is protected or
// already claimed. A claimed name can't be locked until deleteDirectory
// returns.
func (f *Factory) claimDeletion(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimDeletionLocked(name)
}

func (f *Factory) claimDeletionLocked(name string) bool {
	if f.isProtectedLocked(name) {
		return false
	}
	if _, ok := f.deleting[name]; ok {
		return false
	}
	f.deleting[name] = struct{}{}
	return true
}

func (f *Factory) isProtectedLocked(name string) bool {
	if name == LiveDirectoryName {
		return true
	}
	if f.reservations[name] > 0 {
		return true
	}
	id, err := uuid.Parse(name)
	if err != nil {
		return false
	}
	_, ok := f.managers[id]
	return ok
}

// unload runs once the last lock of manager is released.
// The directory is claimed for deletion in the same critical section that
// forgets the manager.
func (f *Factory) unload(manager *LockManager) {
	job := manager.CompileJob()
	name := job.DirectoryName.String()

	f.mu.Lock()
	if f.managers[job.DirectoryName] == manager {
		delete(f.managers, job.DirectoryName)
	}
	claimed := f.claimDeletionLocked(name)
	f.mu.Unlock()
	f.metrics.BuildUnloaded()

	if !claimed {
		return
	}
	f.cleanups.Add(1)
	go func() {
		defer f.cleanups.Done()
		f.deleteDirectory(context.Background(), name)
	}()
}

// deleteDirectory deletes a directory claimed with claimDeletion and
// releases the claim.
func (f *Factory) deleteDirectory(ctx context.Context, name string) bool {
	path := filepath.Join(f.root, name)
	defer func() {
		f.mu.Lock()
		delete(f.deleting, name)
		f.mu.Unlock()
	}()

	if err := f.events.Run(ctx, eventhook.EventDeploymentCleanup, path); err != nil {
		f.logger.Warn("cleanup hook failed", "directory", path, "error", err)
	}

	err := os.RemoveAll(path)
	f.metrics.DirectorySwept(err)
	if err != nil {
		f.logger.Error("didn't delete directory", "directory", path, "error", err)
		return false
	}
	f.logger.Debug("deleted directory", "directory", path)
	return true
}

var _ Provider = (*view)(nil)

// view is a handle that doesn't reserve the build.
type view struct {
	provider Provider
}

func (v *view) CompileJob() *compilejob.CompileJob { return v.provider.CompileJob() }
func (v *view) Directory() string                  { return v.provider.Directory() }
func (v *view) DmbName() string                    { return v.provider.DmbName() }
func (v *view) KeepAlive()                         {}
func (v *view) Close() error                       { return nil }

var _ Provider = (*multiLock)(nil)

type multiLock struct {
	locks []*Lock
}

func (m *multiLock) CompileJob() *compilejob.CompileJob { return m.locks[0].CompileJob() }
func (m *multiLock) Directory() string                  { return m.locks[0].Directory() }
func (m *multiLock) DmbName() string                    { return m.locks[0].DmbName() }

func (m *multiLock) KeepAlive() {
	for _, l := range m.locks {
		l.KeepAlive()
	}
}

func (m *multiLock) Close() error {
	for _, l := range m.locks {
		_ = l.Close()
	}
	return nil
}
