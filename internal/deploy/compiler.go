package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

// runCompiler compiles dmeName in dir and returns the combined output.
func runCompiler(ctx context.Context, compilerPath string, dir string, additionalArguments string, dmeName string) (string, error) {
	args := []string{"-clean"}
	args = append(args, strings.Fields(additionalArguments)...)
	args = append(args, dmeName+compilejob.DmeExtension)

	output := new(bytes.Buffer)
	cmd := exec.CommandContext(ctx, compilerPath, args...)
	cmd.Dir = dir
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output.String(), ctxErr
		}
		if exitErr := (*exec.ExitError)(nil); errors.As(err, &exitErr) {
			return output.String(), &CompilerError{ExitCode: exitErr.ExitCode(), Output: output.String()}
		}
		return output.String(), fmt.Errorf("run compiler: %w", err)
	}
	return output.String(), nil
}
