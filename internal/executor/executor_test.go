package executor

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskd/internal/job"
	logx "taskd/pkg/logx"
)

func TestShellSuccessWritesOutputFile(t *testing.T) {
	dir := t.TempDir()
	s := NewShell(Config{OutputDir: dir}, logx.Nop())

	res := s.Run(context.Background(), job.Job{ID: 7, Command: "echo hello; echo oops 1>&2"})
	require.NoError(t, res.Err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, job.Completed, StatusOf(res))
	require.Contains(t, res.Output, "hello")
	require.Contains(t, res.Output, "oops")

	b, err := os.ReadFile(OutputPath(dir, 7))
	require.NoError(t, err)
	require.Contains(t, string(b), "hello")
	require.Contains(t, string(b), "oops")
}

func TestShellNonZeroExit(t *testing.T) {
	s := NewShell(Config{OutputDir: ""}, logx.Nop())
	res := s.Run(context.Background(), job.Job{ID: 1, Command: "exit 3"})
	require.NoError(t, res.Err)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, job.Failed, StatusOf(res))
}

func TestShellSpawnFailure(t *testing.T) {
	s := NewShell(Config{Shell: "/definitely/not/a/shell", OutputDir: ""}, logx.Nop())
	res := s.Run(context.Background(), job.Job{ID: 1, Command: "true"})
	require.Error(t, res.Err)
	require.Equal(t, -1, res.ExitCode)
	require.Equal(t, job.Failed, StatusOf(res))
}

func TestShellTimeout(t *testing.T) {
	s := NewShell(Config{OutputDir: "", Timeout: 100 * time.Millisecond}, logx.Nop())
	start := time.Now()
	res := s.Run(context.Background(), job.Job{ID: 1, Command: "sleep 5"})
	require.Less(t, time.Since(start), 4*time.Second)
	require.Error(t, res.Err)
	require.Equal(t, job.Failed, StatusOf(res))
}

func TestShellApplySwapsConfig(t *testing.T) {
	s := NewShell(Config{}, logx.Nop())
	require.Equal(t, "/bin/sh", s.Config().Shell)
	require.Equal(t, 65536, s.Config().MaxOutputBytes)
	s.Apply(Config{Shell: "/bin/bash", MaxOutputBytes: 10})
	require.Equal(t, "/bin/bash", s.Config().Shell)
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("abcd"))
	require.Equal(t, "abcd", tb.String())
	_, _ = tb.Write([]byte("efghij"))
	require.Equal(t, "...\ncdefghij", tb.String())
	n, _ := tb.Write([]byte(strings.Repeat("z", 20)))
	require.Equal(t, 20, n)
	require.Equal(t, "...\n"+strings.Repeat("z", 8), tb.String())
}

func TestOutputPath(t *testing.T) {
	require.Equal(t, "", OutputPath("", 1))
	require.Equal(t, "task_output_12.log", OutputPath(".", 12))
}
