package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"taskd/internal/job"
	logx "taskd/pkg/logx"
)

// fileBackend writes the tasks.dat snapshot:
//
//	<count>
//	<id>|<command>|<HH:MM>|<STATUS>|<0|1>|<scheduled unix>|<created unix>
//	...
//
// Every Save rewrites <path>.tmp, fsyncs it and renames it over <path>.
type fileBackend struct {
	log  logx.Logger
	path string

	mu sync.Mutex
}

// fields after the command: schedule, status, executed, scheduled, created
const trailingFields = 5

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &fileBackend{log: log, path: path}, nil
}

func (f *fileBackend) Close() error { return nil }

func (f *fileBackend) Load(ctx context.Context) ([]job.Job, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer fh.Close()

	jobs, err := decodeSnapshot(fh, f.log)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", f.path, err)
	}
	return jobs, nil
}

func (f *fileBackend) Save(ctx context.Context, jobs []job.Job) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := f.path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(fh)
	if err := encodeSnapshot(w, jobs); err != nil {
		_ = fh.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = fh.Close()
		return err
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return err
	}
	if err := fh.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func encodeSnapshot(w io.Writer, jobs []job.Job) error {
	if _, err := fmt.Fprintf(w, "%d\n", len(jobs)); err != nil {
		return err
	}
	for _, j := range jobs {
		if _, err := io.WriteString(w, encodeLine(j)+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// Commands are single-line on the wire; stray line breaks would split a record.
var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func encodeLine(j job.Job) string {
	executed := 0
	if j.Executed {
		executed = 1
	}
	return strconv.Itoa(j.ID) + "|" +
		lineBreaks.Replace(j.Command) + "|" +
		j.Schedule + "|" +
		strings.ToUpper(j.Status.String()) + "|" +
		strconv.Itoa(executed) + "|" +
		strconv.FormatInt(j.ScheduledAt.Unix(), 10) + "|" +
		strconv.FormatInt(j.CreatedAt.Unix(), 10)
}

func decodeSnapshot(r io.Reader, log logx.Logger) ([]job.Job, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		jobs     []job.Job
		declared = -1
		lineNo   = 0
	)
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		// The count line is advisory; the records are the source of truth.
		if lineNo == 1 && !strings.Contains(line, "|") {
			if n, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
				declared = n
				continue
			}
		}
		j, err := decodeLine(line)
		if err != nil {
			log.Warn("snapshot line skipped", logx.Int("line", lineNo), logx.Err(err))
			continue
		}
		jobs = append(jobs, j)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if declared >= 0 && declared != len(jobs) {
		log.Warn("snapshot count mismatch", logx.Int("declared", declared), logx.Int("loaded", len(jobs)))
	}
	return jobs, nil
}

func decodeLine(line string) (job.Job, error) {
	parts := strings.Split(line, "|")
	if len(parts) < 2+trailingFields {
		return job.Job{}, fmt.Errorf("want at least %d fields, got %d", 2+trailingFields, len(parts))
	}
	tail := parts[len(parts)-trailingFields:]

	id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || id <= 0 {
		return job.Job{}, fmt.Errorf("bad id %q", parts[0])
	}
	sched, err := job.ParseSchedule(strings.TrimSpace(tail[0]))
	if err != nil {
		return job.Job{}, err
	}
	st, ok := job.ParseStatus(tail[1])
	if !ok {
		return job.Job{}, fmt.Errorf("bad status %q", tail[1])
	}
	var executed bool
	switch strings.TrimSpace(tail[2]) {
	case "0":
	case "1":
		executed = true
	default:
		return job.Job{}, fmt.Errorf("bad executed flag %q", tail[2])
	}
	scheduled, err := strconv.ParseInt(strings.TrimSpace(tail[3]), 10, 64)
	if err != nil {
		return job.Job{}, fmt.Errorf("bad scheduled time %q", tail[3])
	}
	created, err := strconv.ParseInt(strings.TrimSpace(tail[4]), 10, 64)
	if err != nil {
		return job.Job{}, fmt.Errorf("bad created time %q", tail[4])
	}

	return job.Job{
		ID:          id,
		Command:     strings.Join(parts[1:len(parts)-trailingFields], "|"),
		Schedule:    sched.String(),
		ScheduledAt: time.Unix(scheduled, 0),
		Status:      st,
		Executed:    executed,
		CreatedAt:   time.Unix(created, 0),
	}, nil
}
