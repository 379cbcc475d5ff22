package oxen

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes one CLI invocation in a repository directory and
// returns its stdout. Failures carry the stderr text so callers can
// classify them.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// CLIRunner runs the real oxen executable.
type CLIRunner struct {
	bin string
}

// NewCLIRunner creates a runner for the given executable name or path.
func NewCLIRunner(bin string) *CLIRunner {
	if bin == "" {
		bin = DefaultBinary
	}
	return &CLIRunner{bin: bin}
}

func (r *CLIRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", r.bin, args[0], detail)
	}
	return stdout.String(), nil
}
