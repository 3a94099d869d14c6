package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"recset-precompute/internal/catalog"
	"recset-precompute/internal/models"
)

const stderrTailMax = 4000

// CommandRunner runs an algorithm as an external process. Arguments may use
// the placeholders {target}, {job}, {attempt}, {scope} and {algorithm}. The
// last non-empty line written to stdout is the result count.
type CommandRunner struct {
	Command []string
	Dir     string
	Env     map[string]string
	// SkipExitCode, when non-zero, is the exit status that means "skip".
	SkipExitCode int
	// Timeout bounds one run in addition to the caller's deadline.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c *CommandRunner) Run(ctx context.Context, job models.Job) (int64, error) {
	if len(c.Command) == 0 {
		return 0, errors.New("command is empty")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := expand(c.Command, job)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(),
		"PRECOMPUTE_JOB_ID="+job.ID,
		"PRECOMPUTE_TARGET_REF="+job.TargetRef,
		"PRECOMPUTE_SCOPE="+job.Scope,
		"PRECOMPUTE_ATTEMPT="+strconv.Itoa(job.Attempts),
	)
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Grandchildren holding the pipes open must not outlive cancellation.
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if c.Logger != nil {
		c.Logger.Debug("CommandRunner.Run: starting", "job_id", job.ID, "args", args)
	}
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, fmt.Errorf("%s: %w", args[0], ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && c.SkipExitCode != 0 && exitErr.ExitCode() == c.SkipExitCode {
			return 0, fmt.Errorf("%s exited %d: %w", args[0], c.SkipExitCode, ErrSkip)
		}
		if tail := strings.TrimSpace(models.KeepTail(stderr.String(), stderrTailMax)); tail != "" {
			return 0, fmt.Errorf("%s: %w\n%s", args[0], err, tail)
		}
		return 0, fmt.Errorf("%s: %w", args[0], err)
	}
	return parseCount(stdout.String())
}

func expand(command []string, job models.Job) []string {
	r := strings.NewReplacer(
		"{target}", job.TargetRef,
		"{job}", job.ID,
		"{attempt}", strconv.Itoa(job.Attempts),
		"{scope}", job.Scope,
		"{algorithm}", job.Algorithm,
	)
	out := make([]string, len(command))
	for i, a := range command {
		out[i] = r.Replace(a)
	}
	return out
}

// parseCount reads the last non-empty line. No output at all counts as zero.
func parseCount(out string) (int64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse result count from %q: %w", last, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative result count %d", n)
	}
	return n, nil
}

// FromCatalog registers a CommandRunner for every algorithm the catalog defines.
func FromCatalog(algorithms map[string]catalog.Algorithm, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	for name, alg := range algorithms {
		err := reg.Register(name, &CommandRunner{
			Command:      alg.Command,
			Dir:          alg.Dir,
			Env:          alg.Env,
			SkipExitCode: alg.SkipExitCode,
			Timeout:      alg.Timeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}
