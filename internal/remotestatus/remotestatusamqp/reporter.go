package remotestatusamqp

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/dreamdeploy/internal/compilejob"
	"github.com/k11v/dreamdeploy/internal/remotestatus"
)

// QueueName is the queue status events are published to.
const QueueName = "deployment.status"

const (
	stateInProgress = "in_progress"
	stateStaged     = "staged"
	stateSuccess    = "success"
	stateFailure    = "failure"
	stateInactive   = "inactive"
)

// Publisher is implemented by *amqputil.Client.
type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
}

var _ remotestatus.Reporter = (*Reporter)(nil)

// Reporter publishes deployment status events.
// The deployment ID it returns from StartDeployment is generated locally and
// correlates the events of one deployment.
type Reporter struct {
	publisher Publisher // required
}

func NewReporter(publisher Publisher) *Reporter {
	return &Reporter{publisher: publisher}
}

type event struct {
	DeploymentID     *int64    `json:"deploymentId"`
	State            string    `json:"state"`
	RepositoryOrigin string    `json:"repositoryOrigin"`
	CommitSha        string    `json:"commitSha"`
	CompileJobID     *int64    `json:"compileJobId,omitempty"`
	Description      string    `json:"description,omitempty"`
	Time             time.Time `json:"time"`
}

func (r *Reporter) StartDeployment(ctx context.Context, params *remotestatus.StartDeploymentParams) (*int64, error) {
	id := newDeploymentID()
	err := r.publisher.PublishJSON(ctx, &event{
		DeploymentID:     &id,
		State:            stateInProgress,
		RepositoryOrigin: params.RepositoryOrigin,
		CommitSha:        params.CommitSha,
		Description:      params.Description,
		Time:             time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("remotestatusamqp.Reporter: %w", err)
	}
	return &id, nil
}

func (r *Reporter) StageDeployment(ctx context.Context, job *compilejob.CompileJob) error {
	return r.publishJob(ctx, job, stateStaged, "")
}

func (r *Reporter) ApplyDeployment(ctx context.Context, job *compilejob.CompileJob, oldJob *compilejob.CompileJob) error {
	if err := r.publishJob(ctx, job, stateSuccess, ""); err != nil {
		return err
	}
	if oldJob != nil && oldJob.ID != job.ID {
		return r.publishJob(ctx, oldJob, stateInactive, "")
	}
	return nil
}

func (r *Reporter) FailDeployment(ctx context.Context, job *compilejob.CompileJob, reason string) error {
	return r.publishJob(ctx, job, stateFailure, reason)
}

func (r *Reporter) MarkInactive(ctx context.Context, job *compilejob.CompileJob) error {
	return r.publishJob(ctx, job, stateInactive, "")
}

func (r *Reporter) publishJob(ctx context.Context, job *compilejob.CompileJob, state string, description string) error {
	if job.RemoteDeploymentID == nil {
		return nil
	}

	e := &event{
		DeploymentID:     job.RemoteDeploymentID,
		State:            state,
		RepositoryOrigin: job.RepositoryOrigin,
		Description:      description,
		Time:             time.Now().UTC(),
	}
	if job.RevisionInformation != nil {
		e.CommitSha = job.RevisionInformation.CommitSha
	}
	if job.ID != 0 {
		id := job.ID
		e.CompileJobID = &id
	}

	if err := r.publisher.PublishJSON(ctx, e); err != nil {
		return fmt.Errorf("remotestatusamqp.Reporter: %w", err)
	}
	return nil
}

func newDeploymentID() int64 {
	u := uuid.New()
	return int64(binary.BigEndian.Uint64(u[:8]) >> 1)
}
