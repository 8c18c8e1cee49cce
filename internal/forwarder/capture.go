package forwarder

import (
	"context"
	"fmt"
	"sync"

	"chanrelay/internal/config"
	"chanrelay/internal/eventbus"
	"chanrelay/internal/merge"
	"chanrelay/internal/message"
	"chanrelay/internal/source"
	"chanrelay/internal/storage"
	logx "chanrelay/pkg/logx"
)

// CaptureEvent is published as "forward.captured" after a channel's ids are stored.
type CaptureEvent struct {
	Channel   string `json:"channel"`
	Count     int    `json:"count"`
	Watermark int64  `json:"watermark"`
}

// Capture polls every configured channel concurrently and returns when all
// of them are done. Channels still inside their poll interval, or with a
// fetch already in flight, are skipped.
func (f *Forwarder) Capture(ctx context.Context) {
	cfg := f.cfg.Get()
	if cfg == nil {
		return
	}
	f.stats.captureRuns.Add(1)
	engine := f.mergeEngine(cfg)

	var wg sync.WaitGroup
	for name, ch := range channelIndex(cfg) {
		wg.Add(1)
		go func(name string, ch config.ChannelConfig) {
			defer wg.Done()
			f.captureChannel(ctx, name, cfg.Forward, ch, engine)
		}(name, ch)
	}
	wg.Wait()
}

func (f *Forwarder) captureChannel(ctx context.Context, name string, g config.ForwardConfig, ch config.ChannelConfig, engine *merge.Engine) {
	log := f.log.With(logx.String("channel", name))
	eff := config.Resolve(g, ch)
	st := f.channel(name)

	now := f.now()
	st.mu.Lock()
	due := st.lastCheck.IsZero() || now.Sub(st.lastCheck) >= eff.PollInterval
	st.mu.Unlock()
	if !due {
		return
	}
	if !st.fetch.TryLock() {
		f.stats.captureSkipped.Add(1)
		log.Debug("capture already in progress; skipping")
		return
	}
	defer st.fetch.Unlock()

	st.mu.Lock()
	st.lastCheck = now
	st.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			f.stats.captureFailed.Add(1)
			log.Error("capture panicked",
				logx.Any("panic", r),
				logx.Stack(logx.StackTrace(3, 32)),
			)
		}
	}()

	n, err := f.captureOnce(ctx, log, name, ch, eff, engine)
	if err != nil {
		f.stats.captureFailed.Add(1)
		log.Error("capture failed; watermark unchanged", logx.Err(err))
		return
	}
	if n > 0 {
		f.stats.captured.Add(int64(n))
	}
}

// captureOnce fetches past the watermark, enqueues every message and then
// advances the watermark. It returns the number of enqueued ids.
func (f *Forwarder) captureOnce(ctx context.Context, log logx.Logger, name string, ch config.ChannelConfig, eff config.Effective, engine *merge.Engine) (int, error) {
	wm, err := f.store.Watermark(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}

	var cur source.Cursor
	switch {
	case wm > 0:
		cur = source.Cursor{AfterID: wm, Limit: eff.MsgLimit}
	default:
		start, ok, serr := ch.StartDate()
		if serr != nil {
			log.Warn("invalid start_time; ignoring", logx.String("start_time", ch.StartTime), logx.Err(serr))
		}
		if !ok || serr != nil {
			return 0, f.initWatermark(ctx, log, name)
		}
		log.Info("cold start from date", logx.Time("since", start))
		cur = source.Cursor{Since: start, Limit: eff.MsgLimit}
	}

	log.Debug("fetching", logx.String("cursor", cur.String()))
	msgs, err := f.src.Fetch(ctx, name, cur)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}

	fresh := msgs[:0:0]
	var maxID int64
	for _, m := range msgs {
		if m.ID <= wm {
			continue
		}
		if m.Channel == "" {
			m.Channel = name
		}
		fresh = append(fresh, m)
		maxID = max(maxID, m.ID)
	}
	if len(fresh) == 0 {
		log.Debug("no new messages")
		return 0, nil
	}

	// Nothing is written once the fetch has been cancelled.
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	envs := message.Wrap(fresh)
	if engine.Has(name) {
		envs = engine.Merge(envs)
	}
	at := f.now()
	for _, env := range envs {
		item := storage.PendingItem{Channel: name, MessageID: env.ID, EnqueuedAt: at, GroupID: env.GroupID}
		if err := f.store.Enqueue(ctx, item); err != nil {
			return 0, fmt.Errorf("enqueue %d: %w", env.ID, err)
		}
	}
	if err := f.store.SetWatermark(ctx, name, maxID); err != nil {
		return 0, fmt.Errorf("advance watermark: %w", err)
	}

	log.Info("captured messages", logx.Int("count", len(fresh)), logx.Int64("watermark", maxID))
	f.publish(eventbus.TopicCaptured, CaptureEvent{Channel: name, Count: len(fresh), Watermark: maxID})
	return len(fresh), nil
}

// initWatermark records the newest message id without enqueuing anything, so
// a channel added without a start date relays only what is posted later.
func (f *Forwarder) initWatermark(ctx context.Context, log logx.Logger, name string) error {
	msgs, err := f.src.Fetch(ctx, name, source.Cursor{Recent: 1})
	if err != nil {
		return fmt.Errorf("fetch latest: %w", err)
	}
	var newest int64
	for _, m := range msgs {
		newest = max(newest, m.ID)
	}
	if newest == 0 {
		log.Debug("channel is empty; watermark stays at 0")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.store.SetWatermark(ctx, name, newest); err != nil {
		return fmt.Errorf("init watermark: %w", err)
	}
	log.Info("watermark initialized", logx.Int64("watermark", newest))
	return nil
}
