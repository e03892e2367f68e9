package chat

import (
	"context"
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

type SpyPublisher struct {
	Messages []any
}

func (p *SpyPublisher) PublishJSON(_ context.Context, v any) error {
	p.Messages = append(p.Messages, v)
	return nil
}

func TestAMQPNotifier(t *testing.T) {
	t.Run("publishes started and finished messages", func(t *testing.T) {
		ctx := context.Background()
		publisher := &SpyPublisher{}
		n := NewAMQPNotifier(publisher, nil)

		result := n.QueueDeploymentMessage(ctx, &DeploymentMessage{
			Revision: &compilejob.RevisionInformation{
				CommitSha:  "aaaa",
				TestMerges: []compilejob.TestMerge{{Number: 12}},
			},
			ToolchainVersion: semver.MustParse("515.1633.0"),
		})
		result(ctx, "compiler exit code is 1", "error: undefined var")

		if got, want := len(publisher.Messages), 2; got != want {
			t.Fatalf("got %d messages, want %d", got, want)
		}
		started := publisher.Messages[0].(*deploymentStartedMessage)
		if got, want := started.ToolchainVersion, "515.1633.0"; got != want {
			t.Errorf("got %q ToolchainVersion, want %q", got, want)
		}
		if got, want := len(started.TestMerges), 1; got != want {
			t.Errorf("got %d TestMerges, want %d", got, want)
		}
		finished := publisher.Messages[1].(*deploymentFinishedMessage)
		if finished.Succeeded {
			t.Error("got Succeeded, want not")
		}
		if got, want := finished.CommitSha, "aaaa"; got != want {
			t.Errorf("got %q CommitSha, want %q", got, want)
		}
	})
}
