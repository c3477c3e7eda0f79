package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskd/internal/eventbus"
	"taskd/internal/executor"
	"taskd/internal/job"
	"taskd/internal/storage"
	"taskd/internal/store"
)

type fakeExec struct {
	mu     sync.Mutex
	ran    []int
	exit   map[int]int
	during func(j job.Job)
	block  chan struct{}
}

func (f *fakeExec) Run(ctx context.Context, j job.Job) executor.Result {
	if f.during != nil {
		f.during(j)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return executor.Result{ExitCode: -1, Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	f.ran = append(f.ran, j.ID)
	code := f.exit[j.ID]
	f.mu.Unlock()
	return executor.Result{ExitCode: code, Duration: time.Millisecond}
}

func (f *fakeExec) Ran() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.ran...)
}

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T, now func() time.Time) *store.Store {
	t.Helper()
	s := store.New(storage.Memory(), store.WithClock(now), store.WithLocation(time.UTC))
	require.NoError(t, s.Load(context.Background()))
	return s
}

func TestScanRunsDueJobsInOrder(t *testing.T) {
	now := t0
	clock := func() time.Time { return now }
	st := newStore(t, clock)
	a, _ := st.Add("a", "10:00")
	later, _ := st.Add("later", "11:00")
	c, _ := st.Add("c", "10:00")

	ex := &fakeExec{exit: map[int]int{c.ID: 2}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	l := New(st, ex, WithClock(clock), WithBus(bus))
	require.Equal(t, 2, l.Scan(context.Background()))
	require.Equal(t, []int{a.ID, c.ID}, ex.Ran())

	got, _ := st.Get(a.ID)
	require.Equal(t, job.Completed, got.Status)
	require.True(t, got.Executed)
	got, _ = st.Get(c.ID)
	require.Equal(t, job.Failed, got.Status)
	got, _ = st.Get(later.ID)
	require.Equal(t, job.Pending, got.Status)
	require.False(t, got.Executed)

	// executed jobs never run again
	require.Zero(t, l.Scan(context.Background()))

	// the pending job becomes due
	now = t0.Add(time.Hour)
	require.Equal(t, 1, l.Scan(context.Background()))
	require.Equal(t, []int{a.ID, c.ID, later.ID}, ex.Ran())

	var types []string
	for len(types) < 6 {
		types = append(types, (<-events).Type)
	}
	require.Equal(t, []string{
		eventbus.JobStarted, eventbus.JobFinished,
		eventbus.JobStarted, eventbus.JobFinished,
		eventbus.JobStarted, eventbus.JobFinished,
	}, types)

	h := l.History()
	require.Len(t, h, 3)
	require.Equal(t, "Failed", h[1].Status)
	require.Equal(t, 2, h[1].ExitCode)
}

func TestJobIsRunningDuringExecution(t *testing.T) {
	clock := func() time.Time { return t0 }
	st := newStore(t, clock)
	a, _ := st.Add("a", "10:00")

	var seen job.Job
	ex := &fakeExec{during: func(j job.Job) {
		// the store stays usable while a command runs
		seen, _ = st.Get(j.ID)
		_, err := st.Modify(j.ID, nil, nil)
		require.ErrorIs(t, err, store.ErrExecutedImmutable)
	}}
	l := New(st, ex, WithClock(clock))
	l.Scan(context.Background())

	require.Equal(t, a.ID, seen.ID)
	require.Equal(t, job.Running, seen.Status)
	require.True(t, seen.Executed)
}

func TestDeletedWhileRunningIsDropped(t *testing.T) {
	clock := func() time.Time { return t0 }
	st := newStore(t, clock)
	a, _ := st.Add("a", "10:00")
	b, _ := st.Add("b", "10:00")

	ex := &fakeExec{during: func(j job.Job) {
		if j.ID == a.ID {
			require.NoError(t, st.Delete(a.ID))
		}
	}}
	l := New(st, ex, WithClock(clock))
	require.Equal(t, 2, l.Scan(context.Background()))

	_, err := st.Get(a.ID)
	require.True(t, errors.Is(err, store.ErrNotFound))
	got, _ := st.Get(b.ID)
	require.Equal(t, job.Completed, got.Status)
}

func TestJobDeletedBeforeClaimIsSkipped(t *testing.T) {
	clock := func() time.Time { return t0 }
	st := newStore(t, clock)
	a, _ := st.Add("a", "10:00")
	b, _ := st.Add("b", "10:00")

	ex := &fakeExec{during: func(j job.Job) {
		if j.ID == a.ID {
			_ = st.Delete(b.ID)
		}
	}}
	l := New(st, ex, WithClock(clock))
	require.Equal(t, 1, l.Scan(context.Background()))
	require.Equal(t, []int{a.ID}, ex.Ran())
}

func TestRunAndStop(t *testing.T) {
	clock := func() time.Time { return t0 }
	st := newStore(t, clock)
	_, _ = st.Add("a", "10:00")

	ex := &fakeExec{}
	l := New(st, ex, WithClock(clock), WithInterval(10*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(ex.Ran()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// jobs added later are picked up on a later tick
	_, _ = st.Add("b", "10:00")
	require.Eventually(t, func() bool { return len(ex.Ran()) == 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Stop(ctx))
	require.NoError(t, <-done)

	_, _ = st.Add("c", "10:00")
	require.Zero(t, l.Scan(context.Background()))
}

func TestStopTimeoutKillsRunningCommand(t *testing.T) {
	clock := func() time.Time { return t0 }
	st := newStore(t, clock)
	a, _ := st.Add("a", "10:00")

	ex := &fakeExec{block: make(chan struct{})}
	l := New(st, ex, WithClock(clock))

	scanned := make(chan int, 1)
	go func() { scanned <- l.Scan(context.Background()) }()
	require.Eventually(t, func() bool {
		j, _ := st.Get(a.ID)
		return j.Status == job.Running
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.Stop(ctx), context.DeadlineExceeded)
	require.Equal(t, 1, <-scanned)

	j, _ := st.Get(a.ID)
	require.Equal(t, job.Failed, j.Status)
}

func TestSetInterval(t *testing.T) {
	l := New(newStore(t, time.Now), &fakeExec{})
	require.Equal(t, defaultInterval, l.Interval())
	l.SetInterval(time.Second)
	require.Equal(t, time.Second, l.Interval())
	l.SetInterval(0)
	require.Equal(t, defaultInterval, l.Interval())
}
