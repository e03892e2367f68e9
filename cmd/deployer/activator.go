package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/k11v/dreamdeploy/internal/dmb"
)

const liveLockReason = "live"

// activator points Live at every newer build and holds a lock on the Live build.
type activator struct {
	factory      *dmb.Factory // required
	swapStrategy string       // required
	concurrency  int          // required
	logger       *slog.Logger // required

	active dmb.Provider
}

func (a *activator) Run(ctx context.Context) error {
	defer a.keepActive()

	if err := a.reattach(ctx); err != nil {
		a.logger.Warn("didn't reattach to live build", "error", err)
	}

	for {
		newer := a.factory.OnNewerDmb()
		if err := a.activate(ctx); err != nil {
			a.logger.Error("didn't activate build", "error", err)
		}

		select {
		case <-newer.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *activator) activate(ctx context.Context) error {
	base, err := a.factory.LockNextDmb(1, liveLockReason)
	if err != nil {
		if errors.Is(err, dmb.ErrNoDmbAvailable) {
			return nil
		}
		return err
	}
	if a.active != nil && a.active.CompileJob().ID == base.CompileJob().ID {
		return base.Close()
	}

	var p dmb.SwappableProvider
	switch a.swapStrategy {
	case swapStrategyHardLink:
		p = dmb.NewHardLinkProvider(ctx, base, a.factory.Root(), a.factory, a.concurrency, a.logger)
	default:
		p = dmb.NewSymlinkProvider(base, a.factory.Root())
	}

	if err = p.FinishActivationPreparation(ctx); err != nil {
		_ = p.Close()
		return err
	}
	if err = p.MakeActive(ctx); err != nil {
		_ = p.Close()
		return err
	}

	a.closeActive()
	a.active = p
	a.logger.Info("activated build", "compile_job_id", p.CompileJob().ID, "directory", p.Directory())
	return nil
}

// reattach locks the next build when Live already runs it, so a restart
// doesn't swap Live again.
func (a *activator) reattach(ctx context.Context) error {
	next, err := a.factory.LockNextDmb(0, liveLockReason)
	if err != nil {
		if errors.Is(err, dmb.ErrNoDmbAvailable) {
			return nil
		}
		return err
	}

	want, err := os.Stat(filepath.Join(next.Directory(), next.DmbName()))
	if err != nil {
		return err
	}
	got, err := os.Stat(filepath.Join(a.factory.Root(), dmb.LiveDirectoryName, next.DmbName()))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !os.SameFile(got, want) {
		return nil
	}

	p, err := a.factory.FromCompileJob(ctx, next.CompileJob(), liveLockReason)
	if err != nil {
		return err
	}
	a.active = p
	a.logger.Info("reattached to live build", "compile_job_id", p.CompileJob().ID, "directory", p.Directory())
	return nil
}

// keepActive leaves the Live build locked on shutdown. The server keeps
// running from it after the deployer exits.
func (a *activator) keepActive() {
	if a.active == nil {
		return
	}
	a.active.KeepAlive()
	a.closeActive()
}

func (a *activator) closeActive() {
	if a.active == nil {
		return
	}
	if err := a.active.Close(); err != nil {
		a.logger.Warn("didn't release live build", "error", err)
	}
	a.active = nil
}
