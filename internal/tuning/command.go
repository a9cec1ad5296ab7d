package tuning

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/mnemos/pkg/schema"
)

// commandWaitDelay bounds how long Wait keeps draining pipes after the
// process was killed on cancellation.
const commandWaitDelay = 5 * time.Second

// runCommand runs an external helper (taskset, purge, benchmark targets)
// bound to ctx, with an optional timeout. Stdout and stderr are captured
// and stderr is folded into the returned error.
func runCommand(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = commandWaitDelay

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeUnsupportedPlatform, "%s: command not available", name).WithCause(err)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.Bytes(), schema.NewErrorf(schema.ErrCodeExecution, "%s: %s", name, msg).WithCause(err)
	}
	return stdout.Bytes(), nil
}
