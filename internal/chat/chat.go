// Package chat sends deployment messages to the chat layer.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

type DeploymentMessage struct {
	Revision            *compilejob.RevisionInformation
	ToolchainVersion    *semver.Version
	RepositoryOrigin    string
	EstimatedCompletion *time.Time // nil if there is no estimate
	LocalCommitPushed   bool       // false if the commit only exists locally
}

// ResultFunc reports how a deployment ended. It is called once.
// An empty errorText means the deployment succeeded.
type ResultFunc func(ctx context.Context, errorText string, compilerOutput string)

type Notifier interface {
	QueueDeploymentMessage(ctx context.Context, msg *DeploymentMessage) ResultFunc
}

// Publisher is implemented by *amqputil.Client.
type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// QueueName is the queue deployment messages are published to.
const QueueName = "chat.deployments"

var _ Notifier = (*AMQPNotifier)(nil)

// AMQPNotifier publishes deployment messages for chat bots to relay.
// Publishing failures are logged.
type AMQPNotifier struct {
	publisher Publisher    // required
	logger    *slog.Logger // required
}

func NewAMQPNotifier(publisher Publisher, logger *slog.Logger) *AMQPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPNotifier{publisher: publisher, logger: logger.With("component", "chat")}
}

type deploymentStartedMessage struct {
	Type                string     `json:"type"`
	CommitSha           string     `json:"commitSha"`
	OriginCommitSha     string     `json:"originCommitSha"`
	TestMerges          []int      `json:"testMerges,omitempty"`
	ToolchainVersion    string     `json:"toolchainVersion"`
	RepositoryOrigin    string     `json:"repositoryOrigin"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
	LocalCommitPushed   bool       `json:"localCommitPushed"`
}

type deploymentFinishedMessage struct {
	Type           string `json:"type"`
	CommitSha      string `json:"commitSha"`
	Succeeded      bool   `json:"succeeded"`
	ErrorText      string `json:"errorText,omitempty"`
	CompilerOutput string `json:"compilerOutput,omitempty"`
}

func (n *AMQPNotifier) QueueDeploymentMessage(ctx context.Context, msg *DeploymentMessage) ResultFunc {
	started := &deploymentStartedMessage{
		Type:                "deployment_started",
		RepositoryOrigin:    msg.RepositoryOrigin,
		EstimatedCompletion: msg.EstimatedCompletion,
		LocalCommitPushed:   msg.LocalCommitPushed,
	}
	if msg.ToolchainVersion != nil {
		started.ToolchainVersion = msg.ToolchainVersion.String()
	}
	var commitSha string
	if msg.Revision != nil {
		commitSha = msg.Revision.CommitSha
		started.CommitSha = msg.Revision.CommitSha
		started.OriginCommitSha = msg.Revision.OriginCommitSha
		for _, tm := range msg.Revision.TestMerges {
			started.TestMerges = append(started.TestMerges, tm.Number)
		}
	}

	if err := n.publisher.PublishJSON(ctx, started); err != nil {
		n.logger.Warn("didn't publish deployment started message", "error", err)
	}

	return func(ctx context.Context, errorText string, compilerOutput string) {
		finished := &deploymentFinishedMessage{
			Type:           "deployment_finished",
			CommitSha:      commitSha,
			Succeeded:      errorText == "",
			ErrorText:      errorText,
			CompilerOutput: compilerOutput,
		}
		if err := n.publisher.PublishJSON(ctx, finished); err != nil {
			n.logger.Warn("didn't publish deployment finished message", "error", err)
		}
	}
}

var _ Notifier = (*LogNotifier)(nil)

// LogNotifier writes deployment messages to a logger.
type LogNotifier struct {
	Logger *slog.Logger // optional
}

func (n *LogNotifier) QueueDeploymentMessage(_ context.Context, msg *DeploymentMessage) ResultFunc {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "chat")

	var commitSha string
	if msg.Revision != nil {
		commitSha = msg.Revision.CommitSha
	}
	attrs := []any{"commit_sha", commitSha, "origin", msg.RepositoryOrigin}
	if msg.EstimatedCompletion != nil {
		attrs = append(attrs, "estimated_completion", msg.EstimatedCompletion.Format(time.RFC3339))
	}
	logger.Info("deployment started", attrs...)

	return func(_ context.Context, errorText string, _ string) {
		if errorText != "" {
			logger.Error("deployment failed", "commit_sha", commitSha, "error", errorText)
			return
		}
		logger.Info(fmt.Sprintf("deployment of %s succeeded", commitSha))
	}
}
