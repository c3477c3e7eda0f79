package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskd/internal/job"
	logx "taskd/pkg/logx"
)

func sampleJobs() []job.Job {
	at := time.Unix(1704103200, 0)
	return []job.Job{
		{ID: 1, Command: "echo hi", Schedule: "10:00", ScheduledAt: at, Status: job.Pending, CreatedAt: at.Add(-time.Hour)},
		{ID: 3, Command: "grep a|wc -l", Schedule: "09:05", ScheduledAt: at, Status: job.Completed, Executed: true, CreatedAt: at},
		{ID: 2, Command: "false", Schedule: "23:59", ScheduledAt: at, Status: job.Failed, Executed: true, CreatedAt: at},
	}
}

func requireSameJobs(t *testing.T, want, got []job.Job) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		w, g := want[i], got[i]
		require.Equal(t, w.ID, g.ID)
		require.Equal(t, w.Command, g.Command)
		require.Equal(t, w.Schedule, g.Schedule)
		require.Equal(t, w.Status, g.Status)
		require.Equal(t, w.Executed, g.Executed)
		require.True(t, w.ScheduledAt.Equal(g.ScheduledAt), "scheduled_at %d", w.ID)
		require.True(t, w.CreatedAt.Equal(g.CreatedAt), "created_at %d", w.ID)
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.dat")
	b, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Load(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshot)

	want := sampleJobs()
	require.NoError(t, b.Save(context.Background(), want))
	got, err := b.Load(context.Background())
	require.NoError(t, err)
	requireSameJobs(t, want, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Equal(t, "3", lines[0])
	require.Equal(t, "1|echo hi|10:00|PENDING|0|1704103200|1704099600", lines[1])
	require.Contains(t, lines[2], "|COMPLETED|1|")

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestFileSaveEmptyIsNotMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.dat")
	b, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Save(context.Background(), nil))
	got, err := b.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDecodeSnapshotTolerant(t *testing.T) {
	in := strings.Join([]string{
		"7",
		"1|echo a|10:00|pending|0|100|50",
		"garbage",
		"2|x|25:00|PENDING|0|100|50",
		"",
		"3|a|b|c|08:00|Running|1|100|50\r",
		"4|cmd|08:00|WEIRD|0|100|50",
		"5|cmd|08:00|FAILED|2|100|50",
	}, "\n")
	var logs bytes.Buffer
	got, err := decodeSnapshot(strings.NewReader(in), logx.NewWriter(&logs, "debug"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 1, got[0].ID)
	require.Equal(t, job.Pending, got[0].Status)
	require.Equal(t, "a|b|c", got[1].Command)
	require.Equal(t, job.Running, got[1].Status)
	require.Contains(t, logs.String(), "snapshot line skipped")
	require.Contains(t, logs.String(), "snapshot count mismatch")
}

func TestEncodeLineFlattensNewlines(t *testing.T) {
	j := job.Job{ID: 9, Command: "echo a\necho b", Schedule: "01:02", ScheduledAt: time.Unix(1, 0), CreatedAt: time.Unix(2, 0)}
	require.Equal(t, "9|echo a echo b|01:02|PENDING|0|1|2", encodeLine(j))
}

func TestSQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	b, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)

	_, err = b.Load(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshot)

	want := sampleJobs()
	require.NoError(t, b.Save(context.Background(), want))
	// a second save replaces the first
	require.NoError(t, b.Save(context.Background(), want[:2]))
	require.NoError(t, b.Close())

	b, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Load(context.Background())
	require.NoError(t, err)
	requireSameJobs(t, want[:2], got)
}

func TestSQLiteSkipsRowWithBadSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	var logs bytes.Buffer
	b, err := Open(Config{Driver: "sqlite", Path: path}, logx.NewWriter(&logs, "info"))
	require.NoError(t, err)
	defer b.Close()

	want := sampleJobs()
	require.NoError(t, b.Save(context.Background(), want))
	_, err = b.(*sqliteBackend).db.ExecContext(context.Background(),
		`UPDATE jobs SET schedule = '25:99' WHERE id = 3`)
	require.NoError(t, err)

	got, err := b.Load(context.Background())
	require.NoError(t, err)
	requireSameJobs(t, []job.Job{want[0], want[2]}, got)
	require.Contains(t, logs.String(), "sqlite row skipped")
}

func TestMemoryBackend(t *testing.T) {
	b, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	_, err = b.Load(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshot)

	want := sampleJobs()
	require.NoError(t, b.Save(context.Background(), want))
	want[0].Command = "mutated"
	got, err := b.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "echo hi", got[0].Command)
	require.Equal(t, 1, b.(*MemoryBackend).Saves())
}

func TestUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}
