package compilejobpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

var _ compilejob.Database = (*Database)(nil)

// Querier is implemented by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Database struct {
	db Querier // required
}

func NewDatabase(db Querier) *Database {
	return &Database{db: db}
}

const compileJobColumns = `
	cj.id, cj.job_id,
	cj.directory_name, cj.dme_name,
	cj.toolchain_version, cj.repository_origin,
	cj.minimum_security_level, cj.dmapi_version,
	cj.output, cj.started_at, cj.finished_at,
	cj.remote_deployment_id,
	ri.id AS revision_information_id, ri.commit_sha, ri.origin_commit_sha,
	ri.timestamp AS revision_timestamp, ri.test_merges
`

// Begin implements compilejob.Database.
func (d *Database) Begin(ctx context.Context) (compilejob.DatabaseTx, error) {
	pgxTx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return newDatabaseTx(pgxTx), nil
}

// GetSettings implements compilejob.Database.
func (d *Database) GetSettings(ctx context.Context) (*compilejob.Settings, error) {
	query := `
		SELECT
			project_name,
			api_validation_port, api_validation_security_level,
			require_dmapi_validation,
			timeout_seconds, startup_timeout_seconds,
			additional_compiler_arguments,
			create_remote_deployments
		FROM deployment_settings
		WHERE id = 1
	`

	rows, _ := d.db.Query(ctx, query)
	s, err := pgx.CollectExactlyOneRow(rows, rowToSettings)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, compilejob.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	return s, nil
}

// ListRecentCompileJobs implements compilejob.Database.
// Jobs are ordered from the most recently finished.
func (d *Database) ListRecentCompileJobs(ctx context.Context, params *compilejob.DatabaseListRecentCompileJobsParams) ([]*compilejob.CompileJob, error) {
	query := `
		SELECT ` + compileJobColumns + `
		FROM compile_jobs cj
		JOIN revision_informations ri ON ri.id = cj.revision_information_id
		ORDER BY cj.finished_at DESC, cj.id DESC
		LIMIT $1
	`
	args := []any{params.Limit}

	rows, _ := d.db.Query(ctx, query, args...)
	jobs, err := pgx.CollectRows(rows, rowToCompileJob)
	if err != nil {
		return nil, fmt.Errorf("list recent compile jobs: %w", err)
	}

	return jobs, nil
}

// GetLatestCompileJob implements compilejob.Database.
func (d *Database) GetLatestCompileJob(ctx context.Context) (*compilejob.CompileJob, error) {
	query := `
		SELECT ` + compileJobColumns + `
		FROM compile_jobs cj
		JOIN revision_informations ri ON ri.id = cj.revision_information_id
		ORDER BY cj.finished_at DESC, cj.id DESC
		LIMIT 1
	`

	rows, _ := d.db.Query(ctx, query)
	job, err := pgx.CollectExactlyOneRow(rows, rowToCompileJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, compilejob.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get latest compile job: %w", err)
	}

	return job, nil
}

// GetRevisionInformation implements compilejob.Database.
func (d *Database) GetRevisionInformation(ctx context.Context, params *compilejob.DatabaseGetRevisionInformationParams) (*compilejob.RevisionInformation, error) {
	query := `
		SELECT id, commit_sha, origin_commit_sha, timestamp, test_merges
		FROM revision_informations
		WHERE commit_sha = $1
	`
	args := []any{params.CommitSha}

	rows, _ := d.db.Query(ctx, query, args...)
	ri, err := pgx.CollectExactlyOneRow(rows, rowToRevisionInformation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, compilejob.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get revision information: %w", err)
	}

	return ri, nil
}

// CreateRevisionInformation implements compilejob.Database.
// It returns the existing row if one with the same commit SHA exists.
func (d *Database) CreateRevisionInformation(ctx context.Context, params *compilejob.DatabaseCreateRevisionInformationParams) (*compilejob.RevisionInformation, error) {
	query := `
		INSERT INTO revision_informations (commit_sha, origin_commit_sha, timestamp, test_merges)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (commit_sha) DO UPDATE SET commit_sha = EXCLUDED.commit_sha
		RETURNING id, commit_sha, origin_commit_sha, timestamp, test_merges
	`
	args := []any{params.CommitSha, params.OriginCommitSha, params.Timestamp.UTC(), testMergeRowsFrom(params.TestMerges)}

	rows, _ := d.db.Query(ctx, query, args...)
	ri, err := pgx.CollectExactlyOneRow(rows, rowToRevisionInformation)
	if err != nil {
		return nil, fmt.Errorf("create revision information: %w", err)
	}

	return ri, nil
}

// CreateCompileJob implements compilejob.Database.
func (d *Database) CreateCompileJob(ctx context.Context, params *compilejob.DatabaseCreateCompileJobParams) (*compilejob.CompileJob, error) {
	job := params.CompileJob
	if job.RevisionInformation == nil {
		return nil, fmt.Errorf("create compile job: %w", compilejob.ErrNotFound)
	}

	var dmapiVersion *string
	if job.DMAPIVersion != nil {
		s := job.DMAPIVersion.String()
		dmapiVersion = &s
	}
	var toolchainVersion string
	if job.ToolchainVersion != nil {
		toolchainVersion = job.ToolchainVersion.String()
	}

	query := `
		INSERT INTO compile_jobs (
			job_id, directory_name, dme_name,
			toolchain_version, revision_information_id, repository_origin,
			minimum_security_level, dmapi_version,
			output, started_at, finished_at,
			remote_deployment_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	args := []any{
		job.JobID, job.DirectoryName, job.DmeName,
		toolchainVersion, job.RevisionInformation.ID, job.RepositoryOrigin,
		job.MinimumSecurityLevel.String(), dmapiVersion,
		job.Output, job.StartedAt.UTC(), job.FinishedAt.UTC(),
		job.RemoteDeploymentID,
	}

	rows, _ := d.db.Query(ctx, query, args...)
	id, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[int64])
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return nil, fmt.Errorf("create compile job: %w", compilejob.ErrAlreadyExists)
		case pgerrcode.ForeignKeyViolation:
			return nil, fmt.Errorf("create compile job: %w", compilejob.ErrNotFound)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create compile job: %w", err)
	}

	created := *job
	created.ID = id
	return &created, nil
}

// DeleteCompileJob implements compilejob.Database.
func (d *Database) DeleteCompileJob(ctx context.Context, params *compilejob.DatabaseDeleteCompileJobParams) error {
	query := `
		DELETE FROM compile_jobs
		WHERE id = $1
	`
	args := []any{params.ID}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete compile job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete compile job: %w", compilejob.ErrNotFound)
	}

	return nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
