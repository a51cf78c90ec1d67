package builder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// killGrace is how long a signalled build tool gets to clean up before
// it's killed outright.
const killGrace = 10 * time.Second

// stderrTail bounds how much build-tool stderr is carried in a recorded
// BuildOutput.
const stderrTail = 8192

// exitError wraps a non-zero exit of the build tool, distinguishing a
// failed build from a tool that could not be started at all.
type exitError struct {
	cause *exec.ExitError
}

func (e *exitError) Error() string { return e.cause.Error() }
func (e *exitError) Unwrap() error { return e.cause }

// runCommand runs |tool| with |args| and extra |env|, returning its stderr
// tail. On context cancellation the process is sent SIGTERM and, after
// killGrace, SIGKILL.
func runCommand(ctx context.Context, tool string, args, env []string) (string, error) {
	var cmd = exec.CommandContext(ctx, tool, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if len(env) != 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	log.WithFields(log.Fields{"tool": tool, "args": args}).Debug("running build tool")

	var err = cmd.Run()
	var tail = tailOf(stderr.Bytes())

	if exit, ok := err.(*exec.ExitError); ok {
		return tail, &exitError{cause: exit}
	} else if err != nil {
		return tail, fmt.Errorf("%s: %w", tool, err)
	}
	return tail, nil
}

func tailOf(b []byte) string {
	if len(b) > stderrTail {
		b = b[len(b)-stderrTail:]
	}
	return string(b)
}
