package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/dreamdeploy/internal/compilejob"
	"github.com/k11v/dreamdeploy/internal/deploy"
)

type Deployer interface {
	RunDeployment(ctx context.Context, jc *deploy.JobContext, progress deploy.ProgressFunc) (*compilejob.CompileJob, error)
}

// Handler runs the deployment requested by a message.
// Failed deployments are rejected without requeueing.
type Handler struct {
	deployer Deployer     // required
	logger   *slog.Logger // required
}

func (h *Handler) Run(ctx context.Context, m amqp091.Delivery) {
	type message struct {
		JobID     *int64 `json:"job_id"`
		StartedBy string `json:"started_by"`
	}

	err := m.Headers.Validate()
	if err != nil {
		err = fmt.Errorf("invalid header: %w", err)
		h.logger.Error("", "error", err)
		_ = m.Nack(false, false)
		return
	}

	var msg message
	dec := json.NewDecoder(bytes.NewReader(m.Body))
	err = dec.Decode(&msg)
	if err != nil {
		err = fmt.Errorf("invalid body: %w", err)
		h.logger.Error("", "error", err)
		_ = m.Nack(false, false)
		return
	}
	if dec.More() {
		err = errors.New("multiple top-level values")
		err = fmt.Errorf("invalid body: %w", err)
		h.logger.Error("", "error", err)
		_ = m.Nack(false, false)
		return
	}

	// Body field job_id.
	if msg.JobID == nil {
		err = fmt.Errorf("missing %s body field", "job_id")
		h.logger.Error("", "error", err)
		_ = m.Nack(false, false)
		return
	}
	jobID := *msg.JobID

	logger := h.logger.With("job_id", jobID)
	progress := func(percent int) {
		if percent%10 == 0 {
			logger.Debug("deployment progress", "percent", percent)
		}
	}

	job, err := h.deployer.RunDeployment(ctx, &deploy.JobContext{JobID: jobID, StartedBy: msg.StartedBy}, progress)
	if err != nil {
		if postDeployErr := (*deploy.PostDeployError)(nil); errors.As(err, &postDeployErr) {
			logger.Warn("deployed with errors", "compile_job_id", job.ID, "error", err)
			_ = m.Ack(false)
			return
		}
		logger.Error("didn't deploy", "error", err)
		_ = m.Nack(false, false)
		return
	}

	logger.Info("deployed", "compile_job_id", job.ID)
	_ = m.Ack(false)
}
