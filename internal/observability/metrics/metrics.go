package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taskd/internal/eventbus"
	"taskd/internal/store"
)

const namespace = "taskd"

// Metrics holds the daemon's Prometheus collectors.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	executions      *prometheus.CounterVec
	execDuration    prometheus.Histogram
	jobs            *prometheus.GaugeVec
	connsOpen       prometheus.Gauge
	events          *prometheus.CounterVec
}

// MustNew registers the collectors on reg (prometheus.DefaultRegisterer when
// nil). Collectors already registered on reg are reused.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Protocol requests by verb and result.",
		}, []string{"verb", "result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling a protocol request.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, 1},
		}, []string{"verb"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished job executions by final status.",
		}, []string{"status"}),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of job commands.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs in the store by status.",
		}, []string{"status"}),
		connsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Client connections currently being served.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_events_total",
			Help:      "Job lifecycle events seen on the event bus.",
		}, []string{"type"}),
	}
	m.requests = register(reg, m.requests)
	m.requestDuration = register(reg, m.requestDuration)
	m.executions = register(reg, m.executions)
	m.execDuration = register(reg, m.execDuration)
	m.jobs = register(reg, m.jobs)
	m.connsOpen = register(reg, m.connsOpen)
	m.events = register(reg, m.events)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveRequest counts one protocol request.
func (m *Metrics) ObserveRequest(verb, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(verb, result).Inc()
	m.requestDuration.WithLabelValues(verb).Observe(d.Seconds())
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connsOpen.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connsOpen.Dec()
	}
}

// SetJobs sets the per-status job gauge.
func (m *Metrics) SetJobs(c store.Counts) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues("pending").Set(float64(c.Pending))
	m.jobs.WithLabelValues("running").Set(float64(c.Running))
	m.jobs.WithLabelValues("completed").Set(float64(c.Completed))
	m.jobs.WithLabelValues("failed").Set(float64(c.Failed))
}

// Consume feeds job events from bus into the collectors until ctx is done.
// counts, when set, refreshes the job gauge after every event.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus, counts func() store.Counts) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	if counts != nil {
		m.SetJobs(counts())
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.observeEvent(ev)
			if counts != nil {
				m.SetJobs(counts())
			}
		}
	}
}

func (m *Metrics) observeEvent(ev eventbus.Event) {
	m.events.WithLabelValues(ev.Type).Inc()
	if ev.Type != eventbus.JobFinished {
		return
	}
	je, ok := ev.Data.(eventbus.JobEvent)
	if !ok {
		return
	}
	m.executions.WithLabelValues(je.Status).Inc()
	m.execDuration.Observe(je.Duration.Seconds())
}
