package dmb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

// SwappableProvider is a build that can be made Live.
type SwappableProvider interface {
	Provider
	// FinishActivationPreparation waits until MakeActive can run without blocking on I/O
	// other than the swap itself.
	FinishActivationPreparation(ctx context.Context) error
	// MakeActive points Live at the build.
	MakeActive(ctx context.Context) error
}

var _ SwappableProvider = (*SymlinkProvider)(nil)

// SymlinkProvider makes a build Live by pointing a Live symlink at it.
type SymlinkProvider struct {
	base Provider
	root string
}

func NewSymlinkProvider(base Provider, root string) *SymlinkProvider {
	return &SymlinkProvider{base: base, root: root}
}

func (p *SymlinkProvider) CompileJob() *compilejob.CompileJob { return p.base.CompileJob() }
func (p *SymlinkProvider) Directory() string                  { return p.base.Directory() }
func (p *SymlinkProvider) DmbName() string                    { return p.base.DmbName() }
func (p *SymlinkProvider) KeepAlive()                         { p.base.KeepAlive() }
func (p *SymlinkProvider) Close() error                       { return p.base.Close() }

func (p *SymlinkProvider) FinishActivationPreparation(context.Context) error {
	return nil
}

// MakeActive creates a symlink next to Live and renames it over Live.
// A Live that is a real directory is removed first.
func (p *SymlinkProvider) MakeActive(_ context.Context) error {
	target, err := filepath.Abs(p.base.Directory())
	if err != nil {
		return fmt.Errorf("dmb.SymlinkProvider: %w", err)
	}

	live := filepath.Join(p.root, LiveDirectoryName)
	tmp := filepath.Join(p.root, "."+LiveDirectoryName+"-"+uuid.NewString())
	if err = os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("dmb.SymlinkProvider: %w", err)
	}

	info, err := os.Lstat(live)
	switch {
	case err == nil && info.Mode()&fs.ModeSymlink == 0:
		if err = os.RemoveAll(live); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("dmb.SymlinkProvider: %w", err)
		}
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		_ = os.Remove(tmp)
		return fmt.Errorf("dmb.SymlinkProvider: %w", err)
	}

	if err = os.Rename(tmp, live); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("dmb.SymlinkProvider: %w", err)
	}
	return nil
}

var _ SwappableProvider = (*HardLinkProvider)(nil)

// HardLinkProvider makes a build Live by moving a hard-linked mirror of it
// into place, so Live stays a real directory.
// Mirroring starts as soon as the provider is created.
type HardLinkProvider struct {
	base     Provider
	root     string
	reserver DirectoryReserver
	logger   *slog.Logger

	mirrorName    string
	releaseMirror func()
	cancelMirror  context.CancelFunc
	mirrorDone    chan struct{}
	mirrorErr     error // valid after mirrorDone is closed

	activated  atomic.Bool
	background sync.WaitGroup
	closeOnce  sync.Once
}

func NewHardLinkProvider(ctx context.Context, base Provider, root string, reserver DirectoryReserver, concurrency int, logger *slog.Logger) *HardLinkProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}

	mirrorName := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	p := &HardLinkProvider{
		base:          base,
		root:          root,
		reserver:      reserver,
		logger:        logger.With("component", "dmb", "mirror", mirrorName),
		mirrorName:    mirrorName,
		releaseMirror: reserver.ReserveDirectory(mirrorName, "hard link mirror"),
		cancelMirror:  cancel,
		mirrorDone:    make(chan struct{}),
	}

	go func() {
		defer close(p.mirrorDone)
		p.mirrorErr = p.mirror(ctx, concurrency)
	}()

	return p
}

func (p *HardLinkProvider) CompileJob() *compilejob.CompileJob { return p.base.CompileJob() }
func (p *HardLinkProvider) Directory() string                  { return p.base.Directory() }
func (p *HardLinkProvider) DmbName() string                    { return p.base.DmbName() }
func (p *HardLinkProvider) KeepAlive()                         { p.base.KeepAlive() }

// FinishActivationPreparation waits for the mirror to complete.
func (p *HardLinkProvider) FinishActivationPreparation(ctx context.Context) error {
	select {
	case <-p.mirrorDone:
		if p.mirrorErr != nil {
			return fmt.Errorf("dmb.HardLinkProvider: %w", p.mirrorErr)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dmb.HardLinkProvider: %w", ctx.Err())
	}
}

// MakeActive renames Live out of the way, renames the mirror to Live and
// deletes the old Live in the background.
func (p *HardLinkProvider) MakeActive(ctx context.Context) error {
	if err := p.FinishActivationPreparation(ctx); err != nil {
		return err
	}
	if p.activated.Load() {
		return errors.New("dmb.HardLinkProvider: mirror already activated")
	}

	live := filepath.Join(p.root, LiveDirectoryName)
	mirror := filepath.Join(p.root, p.mirrorName)

	disposedName := uuid.NewString()
	releaseDisposed := p.reserver.ReserveDirectory(disposedName, "disposed live directory")
	disposed := filepath.Join(p.root, disposedName)

	hadLive := true
	info, err := os.Lstat(live)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		hadLive = false
	case err != nil:
		releaseDisposed()
		return fmt.Errorf("dmb.HardLinkProvider: %w", err)
	case info.Mode()&fs.ModeSymlink != 0:
		hadLive = false
		if err = os.Remove(live); err != nil {
			releaseDisposed()
			return fmt.Errorf("dmb.HardLinkProvider: %w", err)
		}
	default:
		if err = os.Rename(live, disposed); err != nil {
			releaseDisposed()
			return fmt.Errorf("dmb.HardLinkProvider: %w", err)
		}
	}

	if err = os.Rename(mirror, live); err != nil {
		if hadLive {
			if restoreErr := os.Rename(disposed, live); restoreErr != nil {
				p.logger.Error("didn't restore live directory", "error", restoreErr)
			}
		}
		releaseDisposed()
		return fmt.Errorf("dmb.HardLinkProvider: %w", err)
	}
	p.activated.Store(true)
	p.releaseMirror()

	if !hadLive {
		releaseDisposed()
		return nil
	}

	p.background.Add(1)
	go func() {
		defer p.background.Done()
		defer releaseDisposed()
		if err := os.RemoveAll(disposed); err != nil {
			p.logger.Error("didn't delete disposed live directory", "directory", disposed, "error", err)
		}
	}()
	return nil
}

// Close stops mirroring, removes an unused mirror and releases the build.
func (p *HardLinkProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancelMirror()
		<-p.mirrorDone
		if errors.Is(p.mirrorErr, context.Canceled) {
			p.logger.Debug("cancelled mirroring")
		}

		p.background.Wait()

		if !p.activated.Load() {
			if removeErr := os.RemoveAll(filepath.Join(p.root, p.mirrorName)); removeErr != nil {
				p.logger.Warn("didn't delete mirror", "error", removeErr)
			}
			p.releaseMirror()
		}

		err = p.base.Close()
	})
	return err
}

func (p *HardLinkProvider) mirror(ctx context.Context, concurrency int) error {
	src := p.base.Directory()
	dst := filepath.Join(p.root, p.mirrorName)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err = ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
				p.logger.Debug("not following symlinked directory", "path", rel)
			}
		}

		g.Go(func() error {
			return os.Link(path, target)
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if walkErr != nil {
		return walkErr
	}

	p.logger.Debug("mirrored build", "source", src)
	return nil
}
