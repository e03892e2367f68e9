package deploy

import (
	"errors"
	"fmt"
	"testing"
)

func TestUserText(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"no error", nil, ""},
		{"cancellation", fmt.Errorf("%w: %w", ErrJobCancelled, errors.New("context canceled")), "the job was cancelled"},
		{"timeout", fmt.Errorf("%w: %w", ErrDeploymentTimeout, errors.New("context deadline exceeded")), "deployment timed out"},
		{"validation", fmt.Errorf("deploy.Orchestrator: %w", ErrNeverValidated), ErrNeverValidated.Error()},
		{"compiler", &CompilerError{ExitCode: 2, Output: "1 error"}, "compiler exit code is 2"},
		{"other", errors.New("disk full"), "disk full"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserText(tt.err); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPostDeployError(t *testing.T) {
	cause := errors.New("bucket unavailable")
	err := fmt.Errorf("deploy.Orchestrator: %w", &PostDeployError{Err: cause})

	if !errors.Is(err, ErrPostDeployFailure) {
		t.Errorf("got %v, want %v", err, ErrPostDeployFailure)
	}
	if !errors.Is(err, cause) {
		t.Errorf("got %v, want %v", err, cause)
	}
}

func TestCompilerError(t *testing.T) {
	err := fmt.Errorf("deploy.Orchestrator: %w", &CompilerError{ExitCode: 1})
	if !errors.Is(err, ErrCompilerFailed) {
		t.Errorf("got %v, want %v", err, ErrCompilerFailed)
	}
}
