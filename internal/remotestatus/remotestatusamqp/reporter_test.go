package remotestatusamqp

import (
	"context"
	"testing"

	"github.com/k11v/dreamdeploy/internal/compilejob"
	"github.com/k11v/dreamdeploy/internal/remotestatus"
)

type SpyPublisher struct {
	Events []*event
}

func (p *SpyPublisher) PublishJSON(_ context.Context, v any) error {
	p.Events = append(p.Events, v.(*event))
	return nil
}

func TestReporter(t *testing.T) {
	t.Run("correlates events with the started deployment", func(t *testing.T) {
		ctx := context.Background()
		publisher := &SpyPublisher{}
		r := NewReporter(publisher)

		id, err := r.StartDeployment(ctx, &remotestatus.StartDeploymentParams{
			RepositoryOrigin: "https://github.com/tgstation/tgstation",
			CommitSha:        "aaaa",
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if id == nil || *id < 0 {
			t.Fatalf("got %v id, want non-negative", id)
		}

		job := &compilejob.CompileJob{
			ID:                  7,
			RemoteDeploymentID:  id,
			RevisionInformation: &compilejob.RevisionInformation{CommitSha: "aaaa"},
		}
		if err = r.FailDeployment(ctx, job, "the job was cancelled"); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if got, want := len(publisher.Events), 2; got != want {
			t.Fatalf("got %d events, want %d", got, want)
		}
		failed := publisher.Events[1]
		if got, want := failed.State, stateFailure; got != want {
			t.Errorf("got %q State, want %q", got, want)
		}
		if got, want := *failed.DeploymentID, *id; got != want {
			t.Errorf("got %d DeploymentID, want %d", got, want)
		}
		if got, want := failed.Description, "the job was cancelled"; got != want {
			t.Errorf("got %q Description, want %q", got, want)
		}
	})

	t.Run("doesn't publish for jobs without a deployment", func(t *testing.T) {
		publisher := &SpyPublisher{}
		r := NewReporter(publisher)

		if err := r.StageDeployment(context.Background(), &compilejob.CompileJob{ID: 1}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got := len(publisher.Events); got != 0 {
			t.Errorf("got %d events, want 0", got)
		}
	})
}
