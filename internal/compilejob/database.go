package compilejob

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrTxAlreadyClosed = errors.New("tx already closed")
)

type Database interface {
	Begin(ctx context.Context) (DatabaseTx, error)
	GetSettings(ctx context.Context) (*Settings, error)
	ListRecentCompileJobs(ctx context.Context, params *DatabaseListRecentCompileJobsParams) ([]*CompileJob, error)
	GetLatestCompileJob(ctx context.Context) (*CompileJob, error)
	GetRevisionInformation(ctx context.Context, params *DatabaseGetRevisionInformationParams) (*RevisionInformation, error)
	CreateRevisionInformation(ctx context.Context, params *DatabaseCreateRevisionInformationParams) (*RevisionInformation, error)
	CreateCompileJob(ctx context.Context, params *DatabaseCreateCompileJobParams) (*CompileJob, error)
	DeleteCompileJob(ctx context.Context, params *DatabaseDeleteCompileJobParams) error
}

type DatabaseTx interface {
	Database
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type DatabaseListRecentCompileJobsParams struct {
	Limit int
}

type DatabaseGetRevisionInformationParams struct {
	CommitSha string
}

type DatabaseCreateRevisionInformationParams struct {
	CommitSha       string
	OriginCommitSha string
	Timestamp       time.Time
	TestMerges      []TestMerge
}

// DatabaseCreateCompileJobParams holds a job without its ID.
// RevisionInformation must already exist.
type DatabaseCreateCompileJobParams struct {
	CompileJob *CompileJob
}

type DatabaseDeleteCompileJobParams struct {
	ID int64
}
