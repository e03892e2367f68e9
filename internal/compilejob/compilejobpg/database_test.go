package compilejobpg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/k11v/dreamdeploy/internal/compilejob"
	"github.com/k11v/dreamdeploy/internal/postgrestest"
	"github.com/k11v/dreamdeploy/internal/postgresutil"
)

func NewTestPool(tb testing.TB, ctx context.Context) *pgxpool.Pool {
	tb.Helper()

	if testing.Short() {
		tb.Skip("skipping in short mode")
	}

	connectionString, teardown, err := postgrestest.Setup(ctx)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	tb.Cleanup(func() {
		if teardownErr := teardown(); teardownErr != nil {
			tb.Errorf("didn't want %q", teardownErr)
		}
	})

	pool, err := postgresutil.NewPool(ctx, connectionString)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	tb.Cleanup(pool.Close)

	return pool
}

func newTestCompileJob(ri *compilejob.RevisionInformation, finishedAt time.Time) *compilejob.CompileJob {
	return &compilejob.CompileJob{
		JobID:                1,
		DirectoryName:        uuid.New(),
		DmeName:              "tgstation",
		ToolchainVersion:     semver.MustParse("515.1633.0"),
		RevisionInformation:  ri,
		RepositoryOrigin:     "https://github.com/tgstation/tgstation",
		MinimumSecurityLevel: compilejob.SecurityLevelSafe,
		DMAPIVersion:         semver.MustParse("5.10.0"),
		Output:               "tgstation.dmb - 0 errors, 0 warnings",
		StartedAt:            finishedAt.Add(-time.Minute),
		FinishedAt:           finishedAt,
	}
}

func TestDatabase(t *testing.T) {
	t.Run("creates and gets the latest compile job", func(t *testing.T) {
		ctx := context.Background()
		database := NewDatabase(NewTestPool(t, ctx))

		ri, err := database.CreateRevisionInformation(ctx, &compilejob.DatabaseCreateRevisionInformationParams{
			CommitSha:       "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			OriginCommitSha: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			Timestamp:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			TestMerges:      []compilejob.TestMerge{{Number: 42, TargetCommitSha: "bbbb", Author: "someone", Title: "Fix"}},
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		finishedAt := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
		older, err := database.CreateCompileJob(ctx, &compilejob.DatabaseCreateCompileJobParams{CompileJob: newTestCompileJob(ri, finishedAt)})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		newer, err := database.CreateCompileJob(ctx, &compilejob.DatabaseCreateCompileJobParams{CompileJob: newTestCompileJob(ri, finishedAt.Add(time.Hour))})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if older.ID == newer.ID {
			t.Fatalf("got equal IDs %d", older.ID)
		}

		got, err := database.GetLatestCompileJob(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got.ID != newer.ID {
			t.Errorf("got %d ID, want %d", got.ID, newer.ID)
		}
		if got.DirectoryName != newer.DirectoryName {
			t.Errorf("got %s DirectoryName, want %s", got.DirectoryName, newer.DirectoryName)
		}
		if !got.DMAPIVersion.Equal(newer.DMAPIVersion) {
			t.Errorf("got %s DMAPIVersion, want %s", got.DMAPIVersion, newer.DMAPIVersion)
		}
		if got, want := got.MinimumSecurityLevel, compilejob.SecurityLevelSafe; got != want {
			t.Errorf("got %s MinimumSecurityLevel, want %s", got, want)
		}
		if got, want := len(got.RevisionInformation.TestMerges), 1; got != want {
			t.Fatalf("got %d test merges, want %d", got, want)
		}
		if got, want := got.RevisionInformation.TestMerges[0].Number, 42; got != want {
			t.Errorf("got %d test merge number, want %d", got, want)
		}

		recent, err := database.ListRecentCompileJobs(ctx, &compilejob.DatabaseListRecentCompileJobsParams{Limit: 10})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := len(recent), 2; got != want {
			t.Fatalf("got %d recent jobs, want %d", got, want)
		}
		if got, want := recent[0].Duration(), time.Minute; got != want {
			t.Errorf("got %s duration, want %s", got, want)
		}
	})

	t.Run("reuses revision information by commit sha", func(t *testing.T) {
		ctx := context.Background()
		database := NewDatabase(NewTestPool(t, ctx))
		params := &compilejob.DatabaseCreateRevisionInformationParams{
			CommitSha:       "cccccccccccccccccccccccccccccccccccccccc",
			OriginCommitSha: "cccccccccccccccccccccccccccccccccccccccc",
			Timestamp:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}

		first, err := database.CreateRevisionInformation(ctx, params)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		second, err := database.CreateRevisionInformation(ctx, params)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if first.ID != second.ID {
			t.Errorf("got %d ID, want %d", second.ID, first.ID)
		}

		got, err := database.GetRevisionInformation(ctx, &compilejob.DatabaseGetRevisionInformationParams{CommitSha: params.CommitSha})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got.ID != first.ID {
			t.Errorf("got %d ID, want %d", got.ID, first.ID)
		}
	})

	t.Run("rolls back a compile job", func(t *testing.T) {
		ctx := context.Background()
		database := NewDatabase(NewTestPool(t, ctx))

		tx, err := database.Begin(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		ri, err := tx.CreateRevisionInformation(ctx, &compilejob.DatabaseCreateRevisionInformationParams{
			CommitSha:       "dddddddddddddddddddddddddddddddddddddddd",
			OriginCommitSha: "dddddddddddddddddddddddddddddddddddddddd",
			Timestamp:       time.Now(),
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		_, err = tx.CreateCompileJob(ctx, &compilejob.DatabaseCreateCompileJobParams{CompileJob: newTestCompileJob(ri, time.Now())})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err = tx.Rollback(ctx); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := tx.Commit(ctx), compilejob.ErrTxAlreadyClosed; !errors.Is(got, want) {
			t.Errorf("got %q, want %q", got, want)
		}

		_, err = database.GetLatestCompileJob(ctx)
		if got, want := err, compilejob.ErrNotFound; !errors.Is(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("deletes a compile job", func(t *testing.T) {
		ctx := context.Background()
		database := NewDatabase(NewTestPool(t, ctx))

		ri, err := database.CreateRevisionInformation(ctx, &compilejob.DatabaseCreateRevisionInformationParams{
			CommitSha:       "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
			OriginCommitSha: "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
			Timestamp:       time.Now(),
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		job, err := database.CreateCompileJob(ctx, &compilejob.DatabaseCreateCompileJobParams{CompileJob: newTestCompileJob(ri, time.Now())})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if err = database.DeleteCompileJob(ctx, &compilejob.DatabaseDeleteCompileJobParams{ID: job.ID}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		err = database.DeleteCompileJob(ctx, &compilejob.DatabaseDeleteCompileJobParams{ID: job.ID})
		if got, want := err, compilejob.ErrNotFound; !errors.Is(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("doesn't get missing settings", func(t *testing.T) {
		ctx := context.Background()
		pool := NewTestPool(t, ctx)
		database := NewDatabase(pool)

		_, err := database.GetSettings(ctx)
		if got, want := err, compilejob.ErrNotFound; !errors.Is(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}

		_, err = pool.Exec(ctx, `
			INSERT INTO deployment_settings (
				id, project_name, api_validation_port, api_validation_security_level,
				require_dmapi_validation, timeout_seconds, startup_timeout_seconds
			)
			VALUES (1, NULL, 5150, 'safe', true, 3600, 60)
		`)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		settings, err := database.GetSettings(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := settings.Timeout, time.Hour; got != want {
			t.Errorf("got %s Timeout, want %s", got, want)
		}
		if got, want := settings.StartupTimeout, time.Minute; got != want {
			t.Errorf("got %s StartupTimeout, want %s", got, want)
		}
		if got, want := settings.APIValidationSecurityLevel, compilejob.SecurityLevelSafe; got != want {
			t.Errorf("got %s APIValidationSecurityLevel, want %s", got, want)
		}
		if settings.ProjectName != nil {
			t.Errorf("got %q ProjectName, want nil", *settings.ProjectName)
		}
	})

	t.Run("falls back to default timeouts", func(t *testing.T) {
		ctx := context.Background()
		pool := NewTestPool(t, ctx)
		database := NewDatabase(pool)

		_, err := pool.Exec(ctx, `
			INSERT INTO deployment_settings (
				id, project_name, api_validation_port, api_validation_security_level,
				require_dmapi_validation, timeout_seconds, startup_timeout_seconds
			)
			VALUES (1, NULL, 5150, 'safe', true, 0, -5)
		`)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		settings, err := database.GetSettings(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := settings.Timeout, compilejob.DefaultTimeout; got != want {
			t.Errorf("got %s Timeout, want %s", got, want)
		}
		if got, want := settings.StartupTimeout, compilejob.DefaultStartupTimeout; got != want {
			t.Errorf("got %s StartupTimeout, want %s", got, want)
		}
	})
}
