package dmb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/dreamdeploy/internal/compilejob"
	"github.com/k11v/dreamdeploy/internal/metrics"
)

var ErrLockManagerDisposed = errors.New("lock manager disposed")

// LockManager reference-counts a build directory.
// When the last lock is released the deleter runs, exactly once.
// No lock can be added after that.
type LockManager struct {
	provider Provider
	deleter  func()
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	locks       map[uuid.UUID]*Lock
	firstLockID uuid.UUID
	disposed    bool
}

// newLockManager creates a manager around provider and takes out its first lock.
func newLockManager(provider Provider, reason string, deleter func(), logger *slog.Logger, m *metrics.Metrics) (*LockManager, *Lock) {
	manager := &LockManager{
		provider: provider,
		deleter:  deleter,
		logger:   logger.With("directory_name", provider.CompileJob().DirectoryName.String()),
		metrics:  m,
		locks:    make(map[uuid.UUID]*Lock),
	}

	first := manager.newLock(reason)
	manager.firstLockID = first.ID
	manager.locks[first.ID] = first
	manager.metrics.LockAcquired()

	return manager, first
}

// AddLock registers a new lock.
// It fails with ErrLockManagerDisposed once every lock has been released.
func (m *LockManager) AddLock(reason string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed || len(m.locks) == 0 {
		return nil, fmt.Errorf("dmb.LockManager: %w", ErrLockManagerDisposed)
	}

	lock := m.newLock(reason)
	m.locks[lock.ID] = lock
	m.metrics.LockAcquired()
	return lock, nil
}

func (m *LockManager) LockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *LockManager) CompileJob() *compilejob.CompileJob {
	return m.provider.CompileJob()
}

// LogLockStats writes every held lock to w, oldest first.
func (m *LockManager) LogLockStats(w io.Writer) {
	m.mu.Lock()
	locks := make([]*Lock, 0, len(m.locks))
	keptAlive := make(map[uuid.UUID]bool, len(m.locks))
	for _, l := range m.locks {
		locks = append(locks, l)
		keptAlive[l.ID] = l.keptAlive
	}
	m.mu.Unlock()

	sort.Slice(locks, func(i, j int) bool {
		return locks[i].CreatedAt.Before(locks[j].CreatedAt)
	})

	_, _ = fmt.Fprintf(w, "Build %s (%d locks):\n", m.provider.CompileJob().DirectoryName, len(locks))
	for _, l := range locks {
		_, _ = fmt.Fprintf(
			w,
			"\t%s: %s, created %s, kept alive: %t\n",
			l.ID,
			l.Description,
			l.CreatedAt.Format(time.RFC3339),
			keptAlive[l.ID],
		)
	}
}

func (m *LockManager) newLock(reason string) *Lock {
	return &Lock{
		ID:          uuid.New(),
		CreatedAt:   time.Now(),
		Description: reason,
		manager:     m,
	}
}

func (m *LockManager) release(l *Lock) {
	m.mu.Lock()
	if l.keptAlive {
		m.mu.Unlock()
		return
	}
	if _, ok := m.locks[l.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.locks, l.ID)
	m.metrics.LockReleased()

	remaining := len(m.locks)
	if l.ID == m.firstLockID && remaining > 0 {
		m.logger.Debug("first lock released before the others", "remaining", remaining, "reason", l.Description)
	}

	dispose := remaining == 0 && !m.disposed
	if dispose {
		m.disposed = true
	}
	m.mu.Unlock()

	if dispose {
		m.logger.Debug("released last lock")
		if m.deleter != nil {
			m.deleter()
		}
	}
}

var _ Provider = (*Lock)(nil)

// Lock keeps a build directory from being deleted until it is closed.
type Lock struct {
	ID          uuid.UUID
	CreatedAt   time.Time
	Description string

	manager   *LockManager
	keptAlive bool // guarded by manager.mu
}

func (l *Lock) CompileJob() *compilejob.CompileJob { return l.manager.provider.CompileJob() }
func (l *Lock) Directory() string                  { return l.manager.provider.Directory() }
func (l *Lock) DmbName() string                    { return l.manager.provider.DmbName() }

func (l *Lock) KeepAlive() {
	l.manager.mu.Lock()
	defer l.manager.mu.Unlock()
	l.keptAlive = true
}

// Close releases the lock. It is safe to call more than once.
func (l *Lock) Close() error {
	l.manager.release(l)
	return nil
}
