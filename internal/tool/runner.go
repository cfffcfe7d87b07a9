package tool

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrSpawn means the tool could not be started at all.
var ErrSpawn = errors.New("tool could not be started")

const (
	// maxOutputLog bounds how much of each tool output stream is retained.
	maxOutputLog = 4096
	// waitDelay bounds how long output pipes held by orphaned children may
	// delay Run after the tool was killed.
	waitDelay = 2 * time.Second
)

// Result is the outcome of one tool run. Stdout and Stderr hold at most the
// last maxOutputLog bytes of each stream.
type Result struct {
	ExitCode int
	Elapsed  time.Duration
	Stdout   string
	Stderr   string
}

// Runner executes the import tool described by a Template.
type Runner struct {
	template Template
	timeout  time.Duration
	logger   zerolog.Logger
}

type RunnerOption func(*Runner)

// WithTimeout bounds every run; zero means no bound.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

func NewRunner(t Template, opts ...RunnerOption) *Runner {
	r := &Runner{
		template: t,
		logger:   log.With().Str("component", "tool").Str("command", t.Command).Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run invokes the tool and waits for it. A started process always yields a
// Result; err is only set (wrapping ErrSpawn) when the process never ran.
func (r *Runner) Run(ctx context.Context, inv Invocation) (Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := r.template.Build(inv)
	cmd := exec.CommandContext(ctx, r.template.Command, args...)
	cmd.WaitDelay = waitDelay
	cmd.Env = append(cmd.Environ(), r.template.Env()...)

	stdout := newTailBuffer(maxOutputLog)
	stderr := newTailBuffer(maxOutputLog)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Info().
		Str("submission_id", inv.SubmissionID).
		Strs("args", args).
		Msg("starting import tool")

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Elapsed: time.Since(start),
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		// -1 when the process was killed by a signal
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	r.logger.Info().
		Str("submission_id", inv.SubmissionID).
		Int("exit_code", res.ExitCode).
		Dur("elapsed", res.Elapsed).
		Str("stdout", res.Stdout).
		Str("stderr", res.Stderr).
		Int64("stdout_dropped", stdout.Dropped()).
		Int64("stderr_dropped", stderr.Dropped()).
		Msg("import tool finished")
	return res, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf     []byte
	limit   int
	dropped int64
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{buf: make([]byte, 0, limit), limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.limit {
		t.dropped += int64(len(t.buf) + n - t.limit)
		t.buf = append(t.buf[:0], p[n-t.limit:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.limit; over > 0 {
		t.dropped += int64(over)
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// Dropped is the number of bytes discarded from the front.
func (t *tailBuffer) Dropped() int64 { return t.dropped }
