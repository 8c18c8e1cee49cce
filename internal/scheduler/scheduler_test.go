package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chanrelay/internal/eventbus"
	logx "chanrelay/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 30s", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.kind, got.Kind)
			require.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				require.Equal(t, tt.duration, got.Every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "01:75", "-5m", "cron:"} {
		_, err := ParseSchedule(raw)
		require.Error(t, err, raw)
	}
}

func TestAddScheduleRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	require.Error(t, s.AddSchedule("bad", "61 * * * *", 0, func(context.Context) error { return nil }))
	require.Error(t, s.AddInterval("", time.Second, 0, func(context.Context) error { return nil }))
	require.Empty(t, s.Snapshot().Schedules)
}

func TestUpsertByName(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }

	require.NoError(t, s.AddInterval("capture", time.Minute, 0, job))
	require.NoError(t, s.AddSchedule("capture", "*/5 * * * *", 0, job))
	require.NoError(t, s.AddInterval("dispatch", time.Minute, 0, job))

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 2)
	require.Equal(t, "capture", snap.Schedules[0].Name)
	require.Equal(t, "*/5 * * * *", snap.Schedules[0].Spec)
	require.Equal(t, "dispatch", snap.Schedules[1].Name)
	require.Equal(t, "UTC", snap.Timezone)

	require.True(t, s.Remove("capture"))
	require.False(t, s.Remove("capture"))
	require.Len(t, s.Snapshot().Schedules, 1)
}

func TestRunNowSkipsOverlap(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, s.AddInterval("slow", time.Hour, 0, func(ctx context.Context) error {
		calls.Add(1)
		close(entered)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-entered

	require.NoError(t, s.RunNow(context.Background(), "slow"))
	close(release)
	require.NoError(t, <-done)

	require.Equal(t, int32(1), calls.Load())
	info := s.Snapshot().Schedules[0]
	require.Equal(t, uint64(1), info.Runs)
	require.Equal(t, uint64(1), info.Skips)

	require.Equal(t, eventbus.TopicScheduleSkip, (<-events).Type)
	require.Equal(t, eventbus.TopicScheduleRun, (<-events).Type)
}

func TestRunNowRecoversPanicAndTimesOut(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)

	require.NoError(t, s.AddInterval("panics", time.Hour, 0, func(context.Context) error { panic("boom") }))
	require.ErrorContains(t, s.RunNow(context.Background(), "panics"), "panic: boom")

	require.NoError(t, s.AddInterval("slow", time.Hour, 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.ErrorIs(t, s.RunNow(context.Background(), "slow"), context.DeadlineExceeded)

	info := s.Snapshot().Schedules
	require.Equal(t, uint64(1), info[0].Fails)
	require.Contains(t, info[1].LastErr, "deadline")

	require.True(t, errors.Is(s.RunNow(context.Background(), "missing"), ErrUnknownSchedule))
}

func TestStartTriggersAndStopCancels(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	ran := make(chan struct{}, 4)
	stopped := make(chan struct{})
	var first atomic.Bool
	require.NoError(t, s.AddInterval("tick", time.Second, 0, func(ctx context.Context) error {
		if first.CompareAndSwap(false, true) {
			ran <- struct{}{}
			<-ctx.Done()
			close(stopped)
		}
		return nil
	}))

	s.Start(context.Background())
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("interval job never ran")
	}
	require.True(t, s.Snapshot().Started)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	select {
	case <-stopped:
	default:
		t.Fatal("running job was not cancelled by Stop")
	}
	require.False(t, s.Snapshot().Started)
}
