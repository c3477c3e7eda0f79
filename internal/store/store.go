package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/job"
	"taskd/internal/storage"
	logx "taskd/pkg/logx"
)

var (
	ErrEmptyCommand      = errors.New("empty command")
	ErrNotFound          = errors.New("task not found")
	ErrExecutedImmutable = errors.New("cannot modify executed task")
	ErrNotRunning        = errors.New("task is not running")
)

// Counts aggregates jobs by status.
type Counts struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
}

type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the zone HH:MM schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Store) { s.log = log }
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Store) {
		if b != nil {
			s.bus = b
		}
	}
}

// Store is the in-memory job registry.
//
// One mutex guards the job list, the id counter and snapshot writes; every
// exported method holds it for its whole duration. After each successful
// mutation the full list is saved through the backend before returning.
// A failed save is logged and the mutation stands.
type Store struct {
	mu      sync.Mutex
	jobs    []job.Job
	nextID  int
	backend storage.Backend

	now func() time.Time
	loc *time.Location
	log logx.Logger
	bus eventbus.Bus
}

// New returns an empty store. A nil backend keeps jobs in memory only.
func New(backend storage.Backend, opts ...Option) *Store {
	if backend == nil {
		backend = storage.Memory()
	}
	s := &Store{
		nextID:  1,
		backend: backend,
		now:     time.Now,
		loc:     time.Local,
		log:     logx.Nop(),
		bus:     eventbus.Nop{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load replaces the registry with the backend snapshot. A missing snapshot
// is a fresh start. Jobs interrupted while Running are recorded as Failed.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := s.backend.Load(ctx)
	if errors.Is(err, storage.ErrNoSnapshot) {
		s.log.Info("No existing tasks")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	seen := make(map[int]struct{}, len(loaded))
	jobs := make([]job.Job, 0, len(loaded))
	maxID, interrupted := 0, 0
	for _, j := range loaded {
		if _, dup := seen[j.ID]; dup {
			s.log.Warn("duplicate task id in snapshot; keeping first", logx.Int("id", j.ID))
			continue
		}
		seen[j.ID] = struct{}{}
		if j.Status == job.Running {
			j.Status = job.Failed
			j.Executed = true
			interrupted++
		}
		if !j.Executed && j.Status != job.Pending {
			j.Executed = true
		}
		j.ScheduledAt = j.ScheduledAt.In(s.loc)
		j.CreatedAt = j.CreatedAt.In(s.loc)
		maxID = max(maxID, j.ID)
		jobs = append(jobs, j)
	}
	s.jobs = jobs
	s.nextID = maxID + 1

	s.log.Info("tasks loaded", logx.Int("count", len(jobs)), logx.Int("next_id", s.nextID))
	if interrupted > 0 {
		s.log.Warn("interrupted tasks marked failed", logx.Int("count", interrupted))
		s.persistLocked("load")
	}
	return nil
}

// Add registers a new pending job. The command is checked before the time.
func (s *Store) Add(command, schedule string) (job.Job, error) {
	if strings.TrimSpace(command) == "" {
		return job.Job{}, ErrEmptyCommand
	}
	now := s.now()
	spec, at, err := job.Resolve(schedule, now, s.loc)
	if err != nil {
		return job.Job{}, err
	}

	// snapshots keep whole seconds
	created := now.Truncate(time.Second).In(s.loc)

	s.mu.Lock()
	defer s.mu.Unlock()

	j := job.Job{
		ID:          s.nextID,
		Command:     command,
		Schedule:    spec,
		ScheduledAt: at,
		Status:      job.Pending,
		CreatedAt:   created,
	}
	s.nextID++
	s.jobs = append(s.jobs, j)
	s.persistLocked("add")
	s.publish(eventbus.JobAdded, j)
	return j, nil
}

// List returns a copy of all jobs in insertion order.
func (s *Store) List() []job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]job.Job(nil), s.jobs...)
}

func (s *Store) Get(id int) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return job.Job{}, ErrNotFound
	}
	return s.jobs[i], nil
}

// Delete removes a job in any status. A running job keeps running; its
// result is dropped.
func (s *Store) Delete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return ErrNotFound
	}
	j := s.jobs[i]
	s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
	s.persistLocked("delete")
	s.publish(eventbus.JobDeleted, j)
	return nil
}

// Modify changes the schedule and/or command of a job that has not been
// executed. A nil, empty or "-" argument leaves that field unchanged. A new
// schedule recomputes the trigger instant from now. Nothing changes unless
// every check passes.
func (s *Store) Modify(id int, schedule, command *string) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return job.Job{}, ErrNotFound
	}
	j := s.jobs[i]
	if j.Executed {
		return job.Job{}, ErrExecutedImmutable
	}

	if v, ok := provided(schedule); ok {
		spec, at, err := job.Resolve(v, s.now(), s.loc)
		if err != nil {
			return job.Job{}, err
		}
		j.Schedule, j.ScheduledAt = spec, at
	}
	if v, ok := provided(command); ok {
		j.Command = v
	}

	s.jobs[i] = j
	s.persistLocked("modify")
	s.publish(eventbus.JobModified, j)
	return j, nil
}

func provided(v *string) (string, bool) {
	if v == nil {
		return "", false
	}
	if t := strings.TrimSpace(*v); t == "" || t == "-" {
		return "", false
	}
	return *v, true
}

func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counts{Total: len(s.jobs)}
	for _, j := range s.jobs {
		switch j.Status {
		case job.Pending:
			c.Pending++
		case job.Running:
			c.Running++
		case job.Completed:
			c.Completed++
		case job.Failed:
			c.Failed++
		}
	}
	return c
}

// Due returns the ids of jobs eligible to run at now, in store order.
func (s *Store) Due(now time.Time) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for _, j := range s.jobs {
		if j.Due(now) {
			ids = append(ids, j.ID)
		}
	}
	return ids
}

// MarkRunning claims a due job: it re-checks eligibility, then sets Running
// and Executed together. It reports false if the job is gone or no longer due.
func (s *Store) MarkRunning(id int, now time.Time) (job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 || !s.jobs[i].Due(now) {
		return job.Job{}, false
	}
	s.jobs[i].Status = job.Running
	s.jobs[i].Executed = true
	s.persistLocked("claim")
	return s.jobs[i], true
}

// MarkResult records the terminal status of a running job.
func (s *Store) MarkResult(id int, st job.Status) error {
	if !st.Terminal() {
		return fmt.Errorf("mark result: %s is not terminal", st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return ErrNotFound
	}
	if s.jobs[i].Status != job.Running {
		return ErrNotRunning
	}
	s.jobs[i].Status = st
	s.persistLocked("result")
	return nil
}

// Flush writes the current snapshot and returns any backend error.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Save(ctx, s.jobs); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return nil
}

// Location returns the zone schedules are evaluated in.
func (s *Store) Location() *time.Location { return s.loc }

func (s *Store) indexLocked(id int) int {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) persistLocked(op string) {
	if err := s.backend.Save(context.Background(), s.jobs); err != nil {
		s.log.Error("snapshot write failed",
			logx.String("op", op),
			logx.Int("tasks", len(s.jobs)),
			logx.Err(fmt.Errorf("save snapshot: %w", err)),
		)
	}
}

func (s *Store) publish(typ string, j job.Job) {
	eventbus.PublishJob(s.bus, typ, eventbus.JobEvent{
		ID:       j.ID,
		Command:  j.Command,
		Schedule: j.Schedule,
		Status:   j.Status.String(),
	})
}
