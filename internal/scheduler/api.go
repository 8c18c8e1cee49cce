package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"chanrelay/internal/eventbus"
	logx "chanrelay/pkg/logx"
)

var ErrUnknownSchedule = errors.New("scheduler: unknown schedule")

// AddSchedule parses schedule and registers either a cron or interval job.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, timeout, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, timeout, job)
	default:
		return fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return s.upsert(name, spec, timeout, job)
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("schedule %s: interval must be > 0", name)
	}
	return s.upsert(name, "@every "+every.String(), timeout, job)
}

// upsert replaces any schedule with the same name.
func (s *Service) upsert(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A replaced schedule keeps its position and its run state, so an
	// in-flight run still blocks overlap with the new trigger.
	def := scheduleDef{name: name, spec: spec, timeout: timeout, job: job, state: &runState{}}
	idx := -1
	for i, d := range s.defs {
		if d.name == name {
			idx = i
			def.state = d.state
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			break
		}
	}
	if idx < 0 {
		idx = len(s.defs)
		s.defs = append(s.defs, def)
	} else {
		s.defs[idx] = def
	}
	if s.c == nil {
		return nil
	}
	d := &s.defs[idx]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(d.entryID, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Remove unschedules name. It reports whether a schedule existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// RunNow runs the named job on the calling goroutine, honoring the overlap
// guard and timeout.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.run(ctx, def.name, def.timeout, def.job, def.state)
}

func (s *Service) removeLocked(name string) bool {
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, job, state := d.name, d.timeout, d.job, d.state
	fn := cron.FuncJob(func() {
		s.mu.Lock()
		base := s.base
		s.mu.Unlock()
		if base == nil {
			return
		}
		_ = s.run(base, name, timeout, job, state)
	})

	spec := strings.TrimSpace(d.spec)
	if rest, ok := strings.CutPrefix(spec, "@every"); ok {
		if every, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil && every > 0 {
			d.entryID = s.c.Schedule(cron.Every(every), fn)
			return nil
		}
	}
	eid, err := s.c.AddJob(spec, fn)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// run executes job unless a previous run of the same schedule is in flight.
// Panics are reported as errors.
func (s *Service) run(ctx context.Context, name string, timeout time.Duration, job Job, st *runState) (err error) {
	if !st.running.CompareAndSwap(false, true) {
		st.skips.Add(1)
		s.log.Debug("schedule trigger skipped; previous run in flight", logx.String("schedule", name))
		s.publish(eventbus.TopicScheduleSkip, RunEvent{Name: name})
		return nil
	}
	s.wg.Add(1)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("schedule panicked",
				logx.String("schedule", name),
				logx.Any("panic", r),
				logx.Stack(logx.StackTrace(3, 32)),
			)
		}
		dur := time.Since(start)
		st.runs.Add(1)
		ev := RunEvent{Name: name, Duration: dur}
		st.mu.Lock()
		st.lastDur = dur
		st.lastErr = ""
		if err != nil {
			st.fails.Add(1)
			st.lastErr = err.Error()
			ev.Error = st.lastErr
		}
		st.mu.Unlock()
		st.running.Store(false)
		s.wg.Done()
		s.publish(eventbus.TopicScheduleRun, ev)
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err = job(ctx); err != nil {
		s.log.Warn("scheduled job failed", logx.String("schedule", name), logx.Duration("took", time.Since(start)), logx.Err(err))
	}
	return err
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// previewNextRunsLocked lists upcoming run times of a registered entry for
// debug logs. Call with s.mu held.
func (s *Service) previewNextRunsLocked(id cron.EntryID, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || s.c == nil || id == 0 {
		return ""
	}
	e := s.c.Entry(id)
	if e.Schedule == nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	parts := make([]string, 0, n)
	for range n {
		t = e.Schedule.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
