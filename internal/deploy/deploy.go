// Package deploy compiles the game code into a new build, validates it and
// hands it to the build factory.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/dreamdeploy/internal/chat"
	"github.com/k11v/dreamdeploy/internal/compilejob"
	"github.com/k11v/dreamdeploy/internal/eventhook"
	"github.com/k11v/dreamdeploy/internal/metrics"
	"github.com/k11v/dreamdeploy/internal/outputarchive"
	"github.com/k11v/dreamdeploy/internal/remotestatus"
	"github.com/k11v/dreamdeploy/internal/session"
	"github.com/k11v/dreamdeploy/internal/sourcecontrol"
	"github.com/k11v/dreamdeploy/internal/staticfiles"
	"github.com/k11v/dreamdeploy/internal/toolchain"
)

const recentCompileJobsLimit = 10

// cleanupTimeout bounds the cleanup of a failed deployment after its context is done.
const cleanupTimeout = time.Minute

type JobContext struct {
	JobID     int64
	StartedBy string
}

type RepositoryManager interface {
	LoadRepository(ctx context.Context) (Repository, error)
}

// Repository is implemented by *sourcecontrol.Repository.
type Repository interface {
	Head(ctx context.Context) (string, error)
	TimestampOf(ctx context.Context, sha string) (time.Time, error)
	CommitOnRemote(ctx context.Context, sha string) (bool, error)
	Origin() string
	RemoteKind() sourcecontrol.RemoteKind
	CopySnapshotTo(ctx context.Context, dir string) error
	Close() error
}

type Toolchain interface {
	AcquireExecutableLock(ctx context.Context, version *semver.Version) (*toolchain.ExecutableLock, error)
}

// BuildStore is implemented by *dmb.Factory.
type BuildStore interface {
	Root() string
	ReserveDirectory(name string, reason string) (release func())
	LoadCompileJob(ctx context.Context, job *compilejob.CompileJob) error
}

type EventRunner interface {
	Run(ctx context.Context, event eventhook.Event, args ...string) error
}

// StaticFiles is implemented by *staticfiles.Manager.
type StaticFiles interface {
	CopyCodeModifications(ctx context.Context, dir string, dmeName string) (*staticfiles.CodeModifications, error)
	SymlinkStaticFiles(ctx context.Context, dir string) error
}

type Launcher interface {
	Launch(ctx context.Context, params *session.LaunchParams) (Session, error)
}

// Session is implemented by *session.Session.
type Session interface {
	LaunchResult(ctx context.Context) (*session.LaunchResult, error)
	Lifetime(ctx context.Context) (int, error)
	APIValidationStatus() session.APIValidationStatus
	DMAPIVersion() *semver.Version
	Close() error
}

type OrchestratorParams struct {
	Database     compilejob.Database   // required
	Repositories RepositoryManager     // required
	Toolchain    Toolchain             // required
	Builds       BuildStore            // required
	Events       EventRunner           // required
	StaticFiles  StaticFiles           // required
	Launcher     Launcher              // required
	Chat         chat.Notifier         // required
	RemoteStatus remotestatus.Reporter // required
	Archive      outputarchive.Archive // required
	Logger       *slog.Logger          // optional
	Metrics      *metrics.Metrics      // optional
}

// Orchestrator runs deployments, one at a time.
type Orchestrator struct {
	db           compilejob.Database
	repositories RepositoryManager
	toolchain    Toolchain
	builds       BuildStore
	events       EventRunner
	staticFiles  StaticFiles
	launcher     Launcher
	chat         chat.Notifier
	remoteStatus remotestatus.Reporter
	archive      outputarchive.Archive
	logger       *slog.Logger
	metrics      *metrics.Metrics

	mu        sync.Mutex
	deploying bool
}

func NewOrchestrator(params *OrchestratorParams) *Orchestrator {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		db:           params.Database,
		repositories: params.Repositories,
		toolchain:    params.Toolchain,
		builds:       params.Builds,
		events:       params.Events,
		staticFiles:  params.StaticFiles,
		launcher:     params.Launcher,
		chat:         params.Chat,
		remoteStatus: params.RemoteStatus,
		archive:      params.Archive,
		logger:       logger.With("component", "deploy"),
		metrics:      params.Metrics,
	}
}

// RunDeployment compiles the repository head and loads the result into the build store.
// A second call while one is running fails with ErrDeploymentInProgress.
// A *PostDeployError is returned together with the committed job.
func (o *Orchestrator) RunDeployment(ctx context.Context, jc *JobContext, progress ProgressFunc) (*compilejob.CompileJob, error) {
	o.mu.Lock()
	if o.deploying {
		o.mu.Unlock()
		return nil, fmt.Errorf("deploy.Orchestrator: %w", ErrDeploymentInProgress)
	}
	o.deploying = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.deploying = false
		o.mu.Unlock()
	}()

	startedAt := time.Now()
	job, err := o.runDeployment(ctx, jc, progress, startedAt)
	o.metrics.DeploymentFinished(metricsResult(err), time.Since(startedAt))
	if err != nil {
		return job, fmt.Errorf("deploy.Orchestrator: %w", err)
	}
	return job, nil
}

type deployment struct {
	job      *compilejob.CompileJob
	settings *compilejob.Settings
	repo     Repository
	exe      *toolchain.ExecutableLock
	dir      string
	report   chat.ResultFunc
	logger   *slog.Logger
}

func (o *Orchestrator) runDeployment(ctx context.Context, jc *JobContext, progress ProgressFunc, startedAt time.Time) (*compilejob.CompileJob, error) {
	logger := o.logger.With("job_id", jc.JobID)
	logger.Info("starting deployment", "started_by", jc.StartedBy)

	// Gather settings.
	settings, err := o.db.GetSettings(ctx)
	if err != nil {
		if errors.Is(err, compilejob.ErrNotFound) {
			err = ErrConfigurationMissing
		}
		return nil, err
	}
	recent, err := o.db.ListRecentCompileJobs(ctx, &compilejob.DatabaseListRecentCompileJobsParams{Limit: recentCompileJobsLimit})
	if err != nil {
		return nil, err
	}
	estimate := averageDuration(recent)

	// Resolve revision.
	repo, err := o.repositories.LoadRepository(ctx)
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	revision, err := o.resolveRevision(ctx, repo)
	if err != nil {
		return nil, err
	}

	// Announce.
	exe, err := o.toolchain.AcquireExecutableLock(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer exe.Close()

	var eta *time.Time
	if estimate > 0 {
		t := time.Now().Add(estimate)
		eta = &t
	}
	pushed, err := repo.CommitOnRemote(ctx, revision.CommitSha)
	if err != nil {
		logger.Warn("didn't check if the commit is pushed", "error", err)
	}
	report := o.chat.QueueDeploymentMessage(ctx, &chat.DeploymentMessage{
		Revision:            revision,
		ToolchainVersion:    exe.Version,
		RepositoryOrigin:    repo.Origin(),
		EstimatedCompletion: eta,
		LocalCommitPushed:   pushed,
	})

	job := &compilejob.CompileJob{
		JobID:               jc.JobID,
		DirectoryName:       uuid.New(),
		ToolchainVersion:    exe.Version,
		RevisionInformation: revision,
		RepositoryOrigin:    repo.Origin(),
		StartedAt:           startedAt,
	}
	if settings.CreateRemoteDeployments && repo.RemoteKind() != sourcecontrol.RemoteUnknown {
		job.RemoteDeploymentID, err = o.remoteStatus.StartDeployment(ctx, &remotestatus.StartDeploymentParams{
			RepositoryOrigin: job.RepositoryOrigin,
			CommitSha:        revision.CommitSha,
			Description:      fmt.Sprintf("Deployment started by %s", jc.StartedBy),
		})
		if err != nil {
			logger.Warn("didn't start remote deployment", "error", err)
		}
	}

	d := &deployment{
		job:      job,
		settings: settings,
		repo:     repo,
		exe:      exe,
		dir:      filepath.Join(o.builds.Root(), job.DirectoryName.String()),
		report:   report,
		logger:   logger.With("directory_name", job.DirectoryName.String()),
	}
	release := o.builds.ReserveDirectory(job.DirectoryName.String(), fmt.Sprintf("compiling job %d", jc.JobID))
	defer release()

	// Compile.
	compileCtx := ctx
	if settings.Timeout > 0 {
		var cancel context.CancelFunc
		compileCtx, cancel = context.WithTimeout(ctx, settings.Timeout)
		defer cancel()
	}
	stopProgress := startProgress(compileCtx, progress, estimate)
	err = o.compile(compileCtx, d)
	stopProgress()
	if err != nil {
		err = classify(ctx, compileCtx, err)
		o.fail(ctx, d, err)
		return nil, err
	}

	// Commit.
	oldJob, err := o.db.GetLatestCompileJob(ctx)
	if err != nil {
		if !errors.Is(err, compilejob.ErrNotFound) {
			d.logger.Warn("didn't get the previous compile job", "error", err)
		}
		oldJob = nil
	}
	job.FinishedAt = time.Now()
	committed, err := o.commit(ctx, d)
	if err != nil {
		err = classify(ctx, ctx, err)
		o.fail(ctx, d, err)
		return nil, err
	}
	report(ctx, "", committed.Output)
	d.logger.Info("deployed", "compile_job_id", committed.ID, "duration", committed.Duration())

	// Notify.
	if err = o.notify(ctx, committed, oldJob, d.dir); err != nil {
		d.logger.Warn("post deploy actions failed", "error", err)
		return committed, &PostDeployError{Err: err}
	}
	return committed, nil
}

func (o *Orchestrator) resolveRevision(ctx context.Context, repo Repository) (*compilejob.RevisionInformation, error) {
	sha, err := repo.Head(ctx)
	if err != nil {
		return nil, err
	}

	revision, err := o.db.GetRevisionInformation(ctx, &compilejob.DatabaseGetRevisionInformationParams{CommitSha: sha})
	if err == nil {
		return revision, nil
	}
	if !errors.Is(err, compilejob.ErrNotFound) {
		return nil, err
	}

	timestamp, err := repo.TimestampOf(ctx, sha)
	if err != nil {
		return nil, err
	}
	return &compilejob.RevisionInformation{
		CommitSha:       sha,
		OriginCommitSha: sha,
		Timestamp:       timestamp,
	}, nil
}

func (o *Orchestrator) compile(ctx context.Context, d *deployment) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	if err := d.repo.CopySnapshotTo(ctx, d.dir); err != nil {
		return err
	}

	version := d.exe.Version
	versionText := fmt.Sprintf("%d.%d", version.Major(), version.Minor())
	if err := o.events.Run(ctx, eventhook.EventPreCompile, d.dir, d.job.RepositoryOrigin, versionText); err != nil {
		return err
	}

	dmeName, err := resolveProjectFile(d.dir, d.settings.ProjectName)
	if err != nil {
		return err
	}
	d.job.DmeName = dmeName

	mods, err := o.staticFiles.CopyCodeModifications(ctx, d.dir, dmeName)
	if err != nil {
		return err
	}
	if !mods.TotalDmeOverwrite {
		dmePath := filepath.Join(d.dir, dmeName+compilejob.DmeExtension)
		if err = injectIncludes(dmePath, mods.HeadIncludeLine, mods.TailIncludeLine); err != nil {
			return err
		}
	}

	if err = o.events.Run(ctx, eventhook.EventPreDreamMaker, d.dir, d.job.RepositoryOrigin, versionText); err != nil {
		return err
	}

	d.logger.Info("running compiler", "compiler", d.exe.CompilerPath, "dme", dmeName)
	output, err := runCompiler(ctx, d.exe.CompilerPath, d.dir, d.settings.AdditionalCompilerArguments, dmeName)
	d.job.Output = output
	if err != nil {
		return err
	}

	if err = o.validate(ctx, d); err != nil {
		return err
	}

	if err = o.events.Run(ctx, eventhook.EventPostCompile, d.dir); err != nil {
		return err
	}
	return o.staticFiles.SymlinkStaticFiles(ctx, d.dir)
}

func (o *Orchestrator) validate(ctx context.Context, d *deployment) error {
	dmbPath := filepath.Join(d.dir, d.job.DmbName())
	s, err := o.launcher.Launch(ctx, &session.LaunchParams{
		ServerPath:     d.exe.ServerPath,
		Directory:      filepath.Dir(dmbPath),
		DmbName:        filepath.Base(dmbPath),
		Port:           d.settings.APIValidationPort,
		SecurityLevel:  d.settings.APIValidationSecurityLevel,
		StartupTimeout: d.settings.StartupTimeout,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidationStartup, err)
	}
	defer s.Close()

	result, err := s.LaunchResult(ctx)
	if err != nil {
		return err
	}
	if result.StartupTime != nil {
		if _, err = s.Lifetime(ctx); err != nil {
			return err
		}
	}
	if err = s.Close(); err != nil {
		d.logger.Warn("didn't close validation instance", "error", err)
	}

	status := s.APIValidationStatus()
	d.logger.Info("validated build", "status", status.String())
	switch status {
	case session.NeverValidated:
		if d.settings.RequireDMAPIValidation {
			return ErrNeverValidated
		}
		d.job.MinimumSecurityLevel = compilejob.SecurityLevelUltrasafe
	case session.BadValidationRequest:
		return ErrBadValidation
	default:
		level, ok := status.SecurityLevel()
		if !ok {
			return ErrBadValidation
		}
		d.job.MinimumSecurityLevel = level
		d.job.DMAPIVersion = s.DMAPIVersion()
	}
	return nil
}

func (o *Orchestrator) commit(ctx context.Context, d *deployment) (*compilejob.CompileJob, error) {
	tx, err := o.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	job := *d.job
	if job.RevisionInformation.ID == 0 {
		revision, err := tx.CreateRevisionInformation(ctx, &compilejob.DatabaseCreateRevisionInformationParams{
			CommitSha:       job.RevisionInformation.CommitSha,
			OriginCommitSha: job.RevisionInformation.OriginCommitSha,
			Timestamp:       job.RevisionInformation.Timestamp,
			TestMerges:      job.RevisionInformation.TestMerges,
		})
		if err != nil {
			return nil, err
		}
		job.RevisionInformation = revision
	}

	committed, err := tx.CreateCompileJob(ctx, &compilejob.DatabaseCreateCompileJobParams{CompileJob: &job})
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	if err = o.builds.LoadCompileJob(ctx, committed); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		deleteErr := o.db.DeleteCompileJob(cleanupCtx, &compilejob.DatabaseDeleteCompileJobParams{ID: committed.ID})
		if deleteErr != nil {
			d.logger.Error("didn't delete compile job after failed load", "compile_job_id", committed.ID, "error", deleteErr)
		}
		return nil, err
	}
	return committed, nil
}

// notify runs the post deploy actions in parallel.
func (o *Orchestrator) notify(ctx context.Context, job *compilejob.CompileJob, oldJob *compilejob.CompileJob, dir string) error {
	var g errgroup.Group
	g.Go(func() error {
		return o.events.Run(ctx, eventhook.EventDeploymentComplete, dir)
	})
	g.Go(func() error {
		return o.remoteStatus.ApplyDeployment(ctx, job, oldJob)
	})
	g.Go(func() error {
		return o.archive.Upload(ctx, job)
	})
	return g.Wait()
}

// fail cleans up after a failed deployment. Errors are logged.
func (o *Orchestrator) fail(ctx context.Context, d *deployment, err error) {
	d.logger.Error("deployment failed", "error", err)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	event := eventhook.EventCompileFailure
	if errors.Is(err, ErrJobCancelled) {
		event = eventhook.EventCompileCancelled
	}
	if hookErr := o.events.Run(ctx, event, d.dir); hookErr != nil {
		d.logger.Warn("failure hook failed", "event", string(event), "error", hookErr)
	}

	text := UserText(err)
	if statusErr := o.remoteStatus.FailDeployment(ctx, d.job, text); statusErr != nil {
		d.logger.Warn("didn't fail remote deployment", "error", statusErr)
	}

	if removeErr := os.RemoveAll(d.dir); removeErr != nil {
		d.logger.Error("didn't delete build directory", "directory", d.dir, "error", removeErr)
	}

	d.report(ctx, text, d.job.Output)
}

// classify maps context errors to ErrJobCancelled when the caller cancelled
// and to ErrDeploymentTimeout when the deployment ran out of time.
func classify(ctx context.Context, compileCtx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrJobCancelled, err)
	case errors.Is(compileCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrDeploymentTimeout, err)
	default:
		return err
	}
}

func metricsResult(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrPostDeployFailure):
		return metrics.ResultSucceeded
	case errors.Is(err, ErrJobCancelled):
		return metrics.ResultCancelled
	case errors.Is(err, ErrDeploymentTimeout):
		return metrics.ResultTimedOut
	default:
		return metrics.ResultFailed
	}
}
