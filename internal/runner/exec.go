package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
	"unicode/utf8"
)

// outputTailLimit bounds the stdout/stderr kept on a failure node.
const outputTailLimit = 8 << 10 // 8 KiB

// Output is what one checker invocation produced.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Executor runs one checker process to completion.
//
// A non-zero exit is reported through Output.ExitCode, not as an error. The
// error return is reserved for processes that could not be started or were
// cancelled through ctx.
type Executor interface {
	Execute(ctx context.Context, name string, args []string) (Output, error)
}

// ExecExecutor runs checkers as local processes. No timeout is applied; the
// process lives until it exits or ctx is cancelled.
type ExecExecutor struct {
	// Dir is the working directory of the child. Empty means the current one.
	Dir string
}

// Execute implements Executor.
func (e ExecExecutor) Execute(ctx context.Context, name string, args []string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...) // no shell, args passed separately
	cmd.Dir = e.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		out.ExitCode = -1
		return out, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		out.ExitCode = -1
		return out, fmt.Errorf("starting %s: %w", cmd, err)
	}
	return out, nil
}

// tail keeps at most the last outputTailLimit bytes of b, starting on a rune
// boundary.
func tail(b []byte) string {
	if len(b) <= outputTailLimit {
		return string(b)
	}
	cut := len(b) - outputTailLimit
	for cut < len(b) && !utf8.RuneStart(b[cut]) {
		cut++
	}
	return "… (truncated) " + string(b[cut:])
}
