package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"taskd/internal/eventbus"
	"taskd/internal/store"
)

func TestObserveRequest(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())
	m.ObserveRequest("LIST", "ok", time.Millisecond)
	m.ObserveRequest("LIST", "ok", time.Millisecond)
	m.ObserveRequest("ADD", "error", time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("LIST", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("ADD", "error")))
	require.Equal(t, 2, testutil.CollectAndCount(m.requestDuration))
}

func TestMustNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNew(reg)
	b := MustNew(reg)
	a.ObserveRequest("STATUS", "ok", 0)
	require.Equal(t, 1.0, testutil.ToFloat64(b.requests.WithLabelValues("STATUS", "ok")))
}

func TestConnGauge(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	require.Equal(t, 1.0, testutil.ToFloat64(m.connsOpen))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("LIST", "ok", 0)
	m.ConnOpened()
	m.ConnClosed()
	m.SetJobs(store.Counts{Total: 1})
}

func TestConsumeBusEvents(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())
	bus := eventbus.New()
	counts := store.Counts{Total: 2, Pending: 1, Completed: 1}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Consume(ctx, bus, func() store.Counts { return counts }) }()

	// wait for the subscription before publishing
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.jobs.WithLabelValues("pending")) == 1
	}, time.Second, 5*time.Millisecond)

	eventbus.PublishJob(bus, eventbus.JobStarted, eventbus.JobEvent{ID: 1, Status: "Running"})
	eventbus.PublishJob(bus, eventbus.JobFinished, eventbus.JobEvent{ID: 1, Status: "Completed", Duration: 20 * time.Millisecond})
	eventbus.PublishJob(bus, eventbus.JobFinished, eventbus.JobEvent{ID: 2, Status: "Failed", ExitCode: 1})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.events.WithLabelValues(eventbus.JobFinished)) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("Completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("Failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues(eventbus.JobStarted)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("completed")))

	cancel()
	require.NoError(t, <-done)
}
