// Package app wires config, storage, the bridge source, sinks and the
// forwarder under one supervisor, and applies hot reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"chanrelay/internal/config"
	"chanrelay/internal/eventbus"
	"chanrelay/internal/forwarder"
	"chanrelay/internal/observability/status"
	"chanrelay/internal/runtime/supervisor"
	"chanrelay/internal/scheduler"
	"chanrelay/internal/storage"
	logx "chanrelay/pkg/logx"
)

const (
	statsJob        = "forward.stats"
	statsEvery      = 5 * time.Minute
	captureTimeout  = 5 * time.Minute
	dispatchTimeout = 10 * time.Minute
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	fwd   *forwarder.Forwarder
	sched *scheduler.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.With(logx.String("comp", "app")).Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	fail := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}
	src, err := buildSource(cfg, log.With(logx.String("comp", "source")))
	if err != nil {
		return fail(err)
	}
	sinks, err := buildSinks(cfg, log.With(logx.String("comp", "sink")))
	if err != nil {
		return fail(err)
	}
	if len(sinks) == 0 {
		log.Warn("no sinks enabled; dispatched units will be dropped")
	}

	fwd, err := forwarder.New(forwarder.Options{
		Source: src,
		Store:  store,
		Sinks:  sinks,
		Config: cfgm,
		Bus:    bus,
		Log:    log.With(logx.String("comp", "forwarder")),
	})
	if err != nil {
		return fail(err)
	}

	sched := scheduler.New(scheduler.Config{Timezone: cfg.Timezone}, log.With(logx.String("comp", "scheduler")), bus)

	return &App{
		cfgm:  cfgm,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   bus,
		store: store,
		fwd:   fwd,
		sched: sched,
	}, nil
}

// Done is closed when the supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg)
	})

	cfg := a.cfgm.Get()
	if err := a.registerJobs(cfg); err != nil {
		return err
	}
	if err := a.sched.AddInterval(statsJob, statsEvery, 0, func(context.Context) error {
		a.fwd.PublishStats()
		a.logStats()
		return nil
	}); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	// The first capture and dispatch run right away instead of one interval later.
	a.sup.Go("forward.kickoff", func(c context.Context) error {
		for _, name := range []string{captureJob, dispatchJob} {
			if err := a.sched.RunNow(c, name); err != nil && c.Err() == nil {
				a.log.Warn("initial run failed", logx.String("job", name), logx.Err(err))
			}
		}
		return nil
	})
	a.sup.Go("eventbus.log", func(c context.Context) error {
		eventbus.LogEvents(c, a.bus, a.log.With(logx.String("comp", "events")))
		return nil
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.watchdog)
	if err := a.startStatus(cfg.Status); err != nil {
		return err
	}

	notifyReady(a.log)
	a.log.Info("app started",
		logx.Int("channels", len(cfg.Channels)),
		logx.String("capture", captureSchedule(cfg)),
		logx.String("dispatch", dispatchSchedule(cfg)),
	)
	return nil
}

// registerJobs upserts the capture and dispatch schedules for cfg.
func (a *App) registerJobs(cfg *config.Config) error {
	capture := func(ctx context.Context) error {
		a.fwd.Capture(ctx)
		return nil
	}
	if err := a.sched.AddSchedule(captureJob, captureSchedule(cfg), captureTimeout, capture); err != nil {
		return fmt.Errorf("capture schedule: %w", err)
	}
	if err := a.sched.AddSchedule(dispatchJob, dispatchSchedule(cfg), dispatchTimeout, a.fwd.Dispatch); err != nil {
		return fmt.Errorf("dispatch schedule: %w", err)
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig pushes a committed config into the running components. The
// forwarder itself reads the manager on every cycle.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, channels := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(channels) > 0 {
		a.log.Debug("channel changes detected", logx.Any("channels", channels))
	}

	if err := a.logs.Apply(mapLogConfig(next)); err != nil {
		a.log.Warn("logging config partly applied", logx.Err(err))
	}

	for _, s := range []string{"storage", "source", "status"} {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	if slices.Contains(sections, "sinks") {
		sinks, err := buildSinks(next, a.log.With(logx.String("comp", "sink")))
		if err != nil {
			a.log.Warn("invalid sinks config; keeping previous sinks", logx.Err(err))
		} else {
			a.fwd.SetSinks(sinks)
		}
	}

	a.sched.Apply(scheduler.Config{Timezone: next.Timezone})
	if captureSchedule(prev) != captureSchedule(next) || dispatchSchedule(prev) != dispatchSchedule(next) {
		if err := a.registerJobs(next); err != nil {
			a.log.Warn("reschedule failed", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReload, Data: sections})
	a.log.Info("config reloaded", fields...)
}

func (a *App) startStatus(sc config.StatusConfig) error {
	if !sc.Enabled {
		return nil
	}
	svc, err := status.New(status.Config{Addr: sc.Addr, Token: sc.Token, Pprof: sc.Pprof}, status.Sources{
		Stats:      func() any { return a.stats() },
		Schedules:  func() any { return a.sched.Snapshot() },
		Goroutines: func() any { return a.sup.Snapshot() },
		Queue:      func(ctx context.Context) (any, error) { return a.store.Snapshot(ctx) },
	}, a.log.With(logx.String("comp", "status")))
	if err != nil {
		return err
	}
	a.sup.GoRestart("status.serve", svc.Serve, 500*time.Millisecond, 10*time.Second)
	return nil
}

// statsReport is served on /stats.
type statsReport struct {
	forwarder.Stats
	EventsDropped uint64 `json:"events_dropped"`
}

func (a *App) stats() statsReport {
	return statsReport{Stats: a.fwd.Stats(), EventsDropped: eventbus.Dropped(a.bus)}
}

func (a *App) logStats() {
	st := a.stats()
	a.log.Info("forward stats",
		logx.Int64("captured", st.Captured),
		logx.Int64("delivered_units", st.DeliveredUnits),
		logx.Int64("skipped", st.Skipped),
		logx.Int64("sink_failures", st.SinkFailures),
		logx.Int64("expired", st.Expired),
		logx.Int64("capture_failed", st.CaptureFailed),
		logx.Int64("events_dropped", int64(st.EventsDropped)),
	)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
