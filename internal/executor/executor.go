package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskd/internal/job"
	logx "taskd/pkg/logx"
)

// Executor runs one job to completion.
type Executor interface {
	Run(ctx context.Context, j job.Job) Result
}

// Result describes a finished run.
//
// ExitCode is -1 when the process could not be started or was killed
// without an exit status.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	Err      error
}

// StatusOf maps a result to the job's terminal status.
func StatusOf(r Result) job.Status {
	if r.Err == nil && r.ExitCode == 0 {
		return job.Completed
	}
	return job.Failed
}

// Config configures Shell. Zero values take the defaults shown.
type Config struct {
	Shell          string        // "/bin/sh"
	OutputDir      string        // "."; empty string disables per-job files
	MaxOutputBytes int           // 65536
	Timeout        time.Duration // 0 disables
}

// Shell runs commands with "<shell> -c <command>".
//
// Combined stdout and stderr go to <OutputDir>/task_output_<id>.log
// (truncated per run) and to a bounded in-memory tail kept in Result.Output.
type Shell struct {
	log logx.Logger
	cfg atomic.Pointer[Config]
}

func NewShell(cfg Config, log logx.Logger) *Shell {
	s := &Shell{log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps the configuration for subsequent runs.
func (s *Shell) Apply(cfg Config) {
	if strings.TrimSpace(cfg.Shell) == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 65536
	}
	s.cfg.Store(&cfg)
}

// Config returns the active configuration.
func (s *Shell) Config() Config { return *s.cfg.Load() }

// OutputPath returns the per-job output file for id, or "" when disabled.
func OutputPath(dir string, id int) string {
	if strings.TrimSpace(dir) == "" {
		return ""
	}
	return filepath.Join(dir, "task_output_"+strconv.Itoa(id)+".log")
}

func (s *Shell) Run(ctx context.Context, j job.Job) Result {
	cfg := s.Config()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	tail := newTailBuffer(cfg.MaxOutputBytes)
	var out io.Writer = tail
	if path := OutputPath(cfg.OutputDir, j.ID); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			s.log.Warn("task output file unavailable", logx.Int("id", j.ID), logx.String("path", path), logx.Err(err))
		} else {
			defer f.Close()
			out = io.MultiWriter(tail, f)
		}
	}

	cmd := exec.CommandContext(ctx, cfg.Shell, "-c", j.Command)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{Duration: time.Since(start), Output: tail.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			res.Err = fmt.Errorf("run %d: %w", j.ID, ctx.Err())
		}
	default:
		res.ExitCode = -1
		res.Err = fmt.Errorf("run %d: %w", j.ID, err)
	}
	return res
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) >= t.max {
		p = p[len(p)-t.max:]
		t.buf.Reset()
		t.truncated = true
	} else if over := t.buf.Len() + len(p) - t.max; over > 0 {
		t.buf.Next(over)
		t.truncated = true
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "...\n" + t.buf.String()
	}
	return t.buf.String()
}
