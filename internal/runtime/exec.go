package runtime

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/logging"
)

// launchSpec is a fully wrapped argv ready for os/exec.
type launchSpec struct {
	argv []string
	dir  string
	env  []string
}

// unreachable lets a variant turn its wrapper's own diagnostics into a
// launch failure. It returns nil when the result is ordinary data.
type unreachable func(res Result) error

// launch runs spec and classifies the outcome.
func launch(ctx context.Context, logger *logging.Logger, cmd Command, spec launchSpec, opts Options, check unreachable) (Result, error) {
	if len(spec.argv) == 0 {
		return Result{}, errors.NewExecutionError("empty command", nil)
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, spec.argv[0], spec.argv[1:]...)
	c.Dir = spec.dir
	if len(spec.env) > 0 {
		c.Env = append(os.Environ(), spec.env...)
	}

	var stdout, stderr bytes.Buffer
	if opts.Interactive {
		c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	} else {
		c.Stdout, c.Stderr = &stdout, &stderr
	}

	line := logging.Sanitize(strings.Join(spec.argv, " "))
	logger.Debug("executing command", "cmd", line, "dir", spec.dir)

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return res, errors.Wrapf(ctx.Err(), "%s interrupted", cmd.String())
	case runCtx.Err() == context.DeadlineExceeded:
		logger.Warn("command timed out", "cmd", line, "timeout", opts.Timeout)
		if cmd.NonIdempotent {
			return res, errors.NewExecutionError("non-idempotent command timed out", errors.ErrCommandTimeout).
				WithCommand(line).
				WithHint("inspect the target state manually before retrying")
		}
		return res, errors.NewRecoverableError("command timed out: "+line, errors.ErrCommandTimeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			break
		}
		hint := ""
		if errors.Is(err, exec.ErrNotFound) {
			hint = "install " + spec.argv[0] + " or add it to PATH"
			err = errors.Join(errors.ErrBinaryNotFound, err)
		}
		logger.Error("command failed to launch", "cmd", line, "error", err)
		return res, errors.NewExecutionError("failed to launch command", err).WithCommand(line).WithHint(hint)
	}

	if check != nil {
		if cerr := check(res); cerr != nil {
			logger.Warn("execution context unreachable", "cmd", line, "stderr", logging.Sanitize(res.Stderr))
			return res, cerr
		}
	}
	if res.ExitCode != 0 {
		logger.Debug("command exited non-zero", "cmd", line, "exit_code", res.ExitCode)
	}
	return res, nil
}
