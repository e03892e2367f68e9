// Package remotestatus reports deployments to an external deployment
// tracking system. Reports are best-effort.
package remotestatus

import (
	"context"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

type Reporter interface {
	// StartDeployment announces a deployment of commitSha and returns
	// the remote deployment ID, or nil if none was created.
	StartDeployment(ctx context.Context, params *StartDeploymentParams) (*int64, error)
	// StageDeployment reports that a build was loaded and will be used on the next launch.
	StageDeployment(ctx context.Context, job *compilejob.CompileJob) error
	// ApplyDeployment reports that job replaced oldJob, which may be nil.
	ApplyDeployment(ctx context.Context, job *compilejob.CompileJob, oldJob *compilejob.CompileJob) error
	FailDeployment(ctx context.Context, job *compilejob.CompileJob, reason string) error
	MarkInactive(ctx context.Context, job *compilejob.CompileJob) error
}

type StartDeploymentParams struct {
	RepositoryOrigin string
	CommitSha        string
	Description      string
}

var _ Reporter = Nop{}

// Nop is used when the repository has no known remote.
type Nop struct{}

func (Nop) StartDeployment(context.Context, *StartDeploymentParams) (*int64, error) {
	return nil, nil
}

func (Nop) StageDeployment(context.Context, *compilejob.CompileJob) error {
	return nil
}

func (Nop) ApplyDeployment(context.Context, *compilejob.CompileJob, *compilejob.CompileJob) error {
	return nil
}

func (Nop) FailDeployment(context.Context, *compilejob.CompileJob, string) error {
	return nil
}

func (Nop) MarkInactive(context.Context, *compilejob.CompileJob) error {
	return nil
}
