package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"taskd/internal/auth"
	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/executor"
	"taskd/internal/observability/debughttp"
	"taskd/internal/observability/metrics"
	"taskd/internal/protocol"
	rtsup "taskd/internal/runtime/supervisor"
	"taskd/internal/server"
	"taskd/internal/storage"
	"taskd/internal/store"
	"taskd/internal/trigger"
	logx "taskd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	backend storage.Backend
	store   *store.Store
	exec    *executor.Shell
	auth    *auth.Authenticator
	trig    *trigger.Loop
	srv     *server.Server

	reg     *prometheus.Registry
	metrics *metrics.Metrics
	debug   *debughttp.Service
}

// New loads the config at cfgPath (defaults when empty), opens storage and
// loads the job snapshot. Nothing listens until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	res, err := cfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, root := logx.New(cfg.LogConfig())
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg, res)
	if err != nil {
		return nil, err
	}
	backend, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	st := store.New(backend,
		store.WithLocation(res.Location),
		store.WithLogger(root.With(logx.String("comp", "store"))),
		store.WithBus(bus),
	)
	if err := st.Load(context.Background()); err != nil {
		_ = backend.Close()
		_ = logSvc.Close()
		return nil, err
	}

	exec := executor.NewShell(mapExecutorConfig(cfg, res), root.With(logx.String("comp", "executor")))
	authn := auth.New(mapAuthConfig(cfg, res))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNew(reg)

	trig := trigger.New(st, exec,
		trigger.WithLogger(root.With(logx.String("comp", "trigger"))),
		trigger.WithBus(bus),
		trigger.WithInterval(res.PollInterval),
	)

	h := protocol.NewHandler(st, authn,
		protocol.WithLogger(root.With(logx.String("comp", "protocol"))),
		protocol.WithObserver(m),
	)
	srv := server.New(mapServerConfig(cfg, res), h,
		server.WithLogger(root.With(logx.String("comp", "server"))),
		server.WithConnObserver(m),
	)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		backend: backend,
		store:   st,
		exec:    exec,
		auth:    authn,
		trig:    trig,
		srv:     srv,
		reg:     reg,
		metrics: m,
	}
	a.debug = debughttp.New(mapDebugConfig(cfg, res), root.With(logx.String("comp", "debughttp")),
		debughttp.WithGatherer(reg),
		debughttp.WithRuns(func() any { return trig.History() }),
		debughttp.WithGoroutines(func() any {
			if a.sup == nil {
				return nil
			}
			return a.sup.Snapshot()
		}),
	)
	return a, nil
}

// Addr returns the protocol listener address once Start has bound it.
func (a *App) Addr() net.Addr { return a.srv.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start binds the listener and launches every background loop. A bind
// failure is returned and nothing is left running.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.srv.Listen(); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("listen: %w", err)
	}

	a.sup.Go("server.serve", a.srv.Serve)
	a.sup.GoRestart("trigger.loop", a.trig.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)
	a.sup.GoRestart("metrics.consume", func(c context.Context) error {
		return a.metrics.Consume(c, a.bus, a.store.Counts)
	})

	// Keep this debug-level to avoid noise for busy schedules.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if je, ok := e.Data.(eventbus.JobEvent); ok {
					fields = append(fields, logx.Int("id", je.ID), logx.String("status", je.Status))
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.debug.Start(a.sup.Context())

	a.log.Info("app started",
		logx.String("addr", a.srv.Addr().String()),
		logx.Int("tasks", a.store.Counts().Total),
		logx.Duration("poll_interval", a.trig.Interval()),
	)
	return nil
}

// Stop drains the server, stops the trigger loop, flushes the store and
// closes storage. Each step is bounded so one component cannot stall the
// whole shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < limit {
				limit = max(time.Until(dl), 0)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("server", 3*time.Second, a.srv.Shutdown)
	step("trigger", 5*time.Second, a.trig.Stop)
	step("debughttp", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("store.flush", 2*time.Second, a.store.Flush)
	step("storage.close", time.Second, func(context.Context) error { return a.backend.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); c.Err() != nil {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	_ = a.logs.Close()

	if err := a.sup.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
