package deploy

import (
	"errors"
	"fmt"
)

var (
	ErrConfigurationMissing    = errors.New("deployment settings missing")
	ErrDeploymentInProgress    = errors.New("deployment already in progress")
	ErrNoProjectFile           = errors.New("no .dme file found")
	ErrMissingProjectFile      = errors.New("project file missing")
	ErrProjectOutsideDirectory = errors.New("project file outside the repository")
	ErrMissingIncludeMarkers   = errors.New("include markers missing")
	ErrCompilerFailed          = errors.New("compiler failed")
	ErrNeverValidated          = errors.New("build never validated the API")
	ErrBadValidation           = errors.New("build sent a bad validation request")
	ErrValidationStartup       = errors.New("validation instance didn't launch")
	ErrDeploymentTimeout       = errors.New("deployment timed out")
	ErrJobCancelled            = errors.New("the job was cancelled")
	ErrPostDeployFailure       = errors.New("post deploy actions failed")
)

// CompilerError is returned when the compiler exits with a non-zero exit code.
type CompilerError struct {
	ExitCode int
	Output   string
}

func (e *CompilerError) Error() string {
	return fmt.Sprintf("compiler exit code is %d", e.ExitCode)
}

func (e *CompilerError) Unwrap() error {
	return ErrCompilerFailed
}

// PostDeployError is returned with a committed build when notifying about it failed.
type PostDeployError struct {
	Err error
}

func (e *PostDeployError) Error() string {
	return fmt.Sprintf("%v: %v", ErrPostDeployFailure, e.Err)
}

func (e *PostDeployError) Unwrap() []error {
	return []error{ErrPostDeployFailure, e.Err}
}

// UserText returns the text shown to users for err.
func UserText(err error) string {
	if err == nil {
		return ""
	}
	for _, sentinel := range []error{
		ErrJobCancelled,
		ErrDeploymentTimeout,
		ErrConfigurationMissing,
		ErrDeploymentInProgress,
		ErrNoProjectFile,
		ErrNeverValidated,
		ErrBadValidation,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	if compilerErr := (*CompilerError)(nil); errors.As(err, &compilerErr) {
		return compilerErr.Error()
	}
	return err.Error()
}
