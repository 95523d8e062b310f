// Package validator runs the external KDL validator the compile pipeline
// consults before building an artifact.
package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Result is one validator verdict. Output is included in compiler output
// whether or not the source passed.
type Result struct {
	Valid  bool
	Output string
}

// Validator checks bundle config source before compilation.
type Validator interface {
	Validate(ctx context.Context, source []byte) (*Result, error)
}

// Exec runs an external command with the source on stdin. Exit 0 means
// valid; any other exit status is an invalid verdict, not an error. Errors
// are reserved for the validator itself being unrunnable.
type Exec struct {
	argv    []string
	timeout time.Duration
}

func NewExec(argv []string, timeout time.Duration) *Exec {
	return &Exec{argv: argv, timeout: timeout}
}

func (e *Exec) Validate(ctx context.Context, source []byte) (*Result, error) {
	if len(e.argv) == 0 {
		return nil, fmt.Errorf("validator command not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(source)
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("validator timed out after %s", e.timeout)
	}
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return &Result{Valid: false, Output: string(out)}, nil
		}
		return nil, fmt.Errorf("running validator: %w", err)
	}
	return &Result{Valid: true, Output: string(out)}, nil
}

// Noop accepts everything. Used when no validator command is configured;
// the compiler records the skip in its output.
type Noop struct{}

func (Noop) Validate(context.Context, []byte) (*Result, error) {
	return &Result{Valid: true, Output: "external validation skipped: no validator configured"}, nil
}
