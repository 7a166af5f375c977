// Package gcloudcli runs the gcloud binary and reports its output. Every
// credential and project lookup in this module goes through a Runner so tests
// can substitute a fake without a gcloud install.
package gcloudcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotInstalled reports that no gcloud binary could be found on PATH.
var ErrNotInstalled = errors.New("gcloud CLI not found on PATH")

// Runner executes one gcloud invocation and returns trimmed stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// CommandError carries the stderr of a gcloud invocation that exited non-zero.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("gcloud %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Exited reports whether gcloud ran to completion and returned a non-zero
// status, as opposed to failing to start or being killed.
func (e *CommandError) Exited() bool {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) && exitErr.ProcessState != nil {
		return exitErr.Exited()
	}
	return false
}

type execRunner struct{}

// NewRunner returns a Runner backed by the real gcloud binary.
func NewRunner() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gcloud", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CheckInstalled verifies a gcloud binary is reachable on PATH.
func CheckInstalled() error {
	if _, err := exec.LookPath("gcloud"); err != nil {
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	return nil
}
