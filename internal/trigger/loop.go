package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/executor"
	"taskd/internal/job"
	"taskd/internal/store"
	logx "taskd/pkg/logx"
)

const (
	defaultInterval    = 5 * time.Second
	defaultHistorySize = 100
	outputLogLimit     = 512
)

// Run is one entry of the recent-runs history.
type Run struct {
	ID       int           `json:"id"`
	Command  string        `json:"command"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	ExitCode int           `json:"exit_code"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
}

type Option func(*Loop)

func WithLogger(log logx.Logger) Option { return func(l *Loop) { l.log = log } }

func WithBus(b eventbus.Bus) Option {
	return func(l *Loop) {
		if b != nil {
			l.bus = b
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

func WithInterval(d time.Duration) Option { return func(l *Loop) { l.SetInterval(d) } }

// Loop scans the store for due jobs and runs them one after another.
//
// The store lock is only held inside store calls, never while a command
// executes. Jobs are claimed with MarkRunning, so a job runs at most once.
type Loop struct {
	store *store.Store
	exec  executor.Executor
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	interval atomic.Int64
	reset    chan struct{}

	// busy is held for the duration of a scan.
	busy     sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}

	// Runs use execCtx so that stopping the loop lets the current command
	// finish; kill cancels it when the stop deadline passes.
	execCtx context.Context
	kill    context.CancelFunc

	hmu     sync.Mutex
	history []Run
}

func New(st *store.Store, ex executor.Executor, opts ...Option) *Loop {
	execCtx, kill := context.WithCancel(context.Background())
	l := &Loop{
		store:   st,
		exec:    ex,
		log:     logx.Nop(),
		bus:     eventbus.Nop{},
		now:     time.Now,
		reset:   make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		execCtx: execCtx,
		kill:    kill,
	}
	l.interval.Store(int64(defaultInterval))
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetInterval changes the scan cadence; the next wait uses the new value.
func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 {
		d = defaultInterval
	}
	if time.Duration(l.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case l.reset <- struct{}{}:
	default:
	}
}

func (l *Loop) Interval() time.Duration { return time.Duration(l.interval.Load()) }

// Run scans immediately, then on every interval until ctx is done or Stop
// is called.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("trigger loop started", logx.Duration("interval", l.Interval()))
	defer l.log.Info("trigger loop stopped")

	l.Scan(ctx)
	t := time.NewTimer(l.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stopCh:
			return nil
		case <-l.reset:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(l.Interval())
		case <-t.C:
			l.Scan(ctx)
			t.Reset(l.Interval())
		}
	}
}

// Scan runs every job due now, in store order, and returns how many ran.
func (l *Loop) Scan(ctx context.Context) int {
	l.busy.Lock()
	defer l.busy.Unlock()
	if l.stopped() {
		return 0
	}

	now := l.now()
	ran := 0
	for _, id := range l.store.Due(now) {
		if ctx.Err() != nil || l.stopped() {
			break
		}
		j, ok := l.store.MarkRunning(id, now)
		if !ok {
			continue
		}
		l.runOne(j)
		ran++
	}
	return ran
}

func (l *Loop) runOne(j job.Job) {
	start := l.now()
	log := l.log.With(logx.Int("id", j.ID))
	log.Info("task.started", logx.String("command", j.Command), logx.String("schedule", j.Schedule))
	eventbus.PublishJob(l.bus, eventbus.JobStarted, eventbus.JobEvent{
		ID: j.ID, Command: j.Command, Schedule: j.Schedule, Status: job.Running.String(),
	})

	res := l.exec.Run(l.execCtx, j)
	st := executor.StatusOf(res)

	ev := eventbus.JobEvent{
		ID: j.ID, Command: j.Command, Schedule: j.Schedule, Status: st.String(),
		ExitCode: res.ExitCode, Duration: res.Duration,
	}
	if res.Err != nil {
		ev.Err = res.Err.Error()
	}

	if err := l.store.MarkResult(j.ID, st); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("task deleted while running; result dropped", logx.String("status", st.String()))
		} else {
			log.Error("task result not recorded", logx.Err(err))
		}
	}

	if st == job.Completed {
		log.Info("task.completed", logx.Duration("dur", res.Duration))
	} else {
		log.Warn("task.failed",
			logx.Int("exit_code", res.ExitCode),
			logx.Duration("dur", res.Duration),
			logx.String("output", lastBytes(res.Output, outputLogLimit)),
			logx.Err(res.Err),
		)
	}
	eventbus.PublishJob(l.bus, eventbus.JobFinished, ev)
	l.record(Run{
		ID: j.ID, Command: j.Command, Started: start, Duration: res.Duration,
		ExitCode: res.ExitCode, Status: st.String(), Error: ev.Err,
	})
}

// Stop ends the loop and waits for the current run. If ctx expires first,
// the running command is killed and ctx.Err() is returned.
func (l *Loop) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopCh) })

	idle := make(chan struct{})
	go func() {
		l.busy.Lock()
		l.busy.Unlock()
		close(idle)
	}()
	select {
	case <-idle:
		l.kill()
		return nil
	case <-ctx.Done():
		l.kill()
		l.log.Warn("trigger loop stop timed out; running task killed", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (l *Loop) stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Loop) record(r Run) {
	l.hmu.Lock()
	l.history = append(l.history, r)
	if len(l.history) > defaultHistorySize {
		l.history = l.history[len(l.history)-defaultHistorySize:]
	}
	l.hmu.Unlock()
}

// History returns recent runs, oldest first.
func (l *Loop) History() []Run {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	return append([]Run(nil), l.history...)
}

func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
