package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskd/internal/job"
	logx "taskd/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteBackend struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteBackend{db: db, log: log}, nil
}

func (s *sqliteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteBackend) Load(ctx context.Context) ([]job.Job, error) {
	var saved string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'saved_at'`).Scan(&saved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, schedule, status, executed, scheduled_at, created_at
		 FROM jobs ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		var (
			j                  job.Job
			status             string
			executed           int
			scheduled, created int64
		)
		if err := rows.Scan(&j.ID, &j.Command, &j.Schedule, &status, &executed, &scheduled, &created); err != nil {
			return nil, err
		}
		sched, err := job.ParseSchedule(strings.TrimSpace(j.Schedule))
		if err != nil {
			s.log.Warn("sqlite row skipped", logx.Int("id", j.ID), logx.Err(err))
			continue
		}
		st, ok := job.ParseStatus(status)
		if !ok {
			s.log.Warn("sqlite row skipped", logx.Int("id", j.ID), logx.String("status", status))
			continue
		}
		j.Schedule = sched.String()
		j.Status = st
		j.Executed = executed != 0
		j.ScheduledAt = time.Unix(scheduled, 0)
		j.CreatedAt = time.Unix(created, 0)
		out = append(out, j)
	}
	return out, rows.Err()
}

// Save replaces the table contents in one transaction.
func (s *sqliteBackend) Save(ctx context.Context, jobs []job.Job) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO jobs(id, position, command, schedule, status, executed, scheduled_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, j := range jobs {
		executed := 0
		if j.Executed {
			executed = 1
		}
		if _, err = stmt.ExecContext(ctx,
			j.ID, i, j.Command, j.Schedule, strings.ToUpper(j.Status.String()),
			executed, j.ScheduledAt.Unix(), j.CreatedAt.Unix(),
		); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES('saved_at', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}
