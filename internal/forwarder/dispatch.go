package forwarder

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"chanrelay/internal/config"
	"chanrelay/internal/eventbus"
	"chanrelay/internal/filter"
	"chanrelay/internal/message"
	"chanrelay/internal/sink"
	"chanrelay/internal/storage"
	logx "chanrelay/pkg/logx"
)

// DispatchEvent is published as "forward.dispatched" at the end of every pass
// that found work.
type DispatchEvent struct {
	Cycle     string `json:"cycle"`
	Expired   int    `json:"expired"`
	Selected  int    `json:"selected"`
	Delivered int    `json:"delivered"`
	Skipped   int    `json:"skipped"`
	Remaining int    `json:"remaining"`
}

// unit is a selected logical unit: one message or all queued members of a group.
type unit struct {
	channel string
	group   string
	items   []storage.PendingItem
}

// Dispatch runs one pass over the queue. A pass still running when the next
// tick fires makes that tick a no-op.
func (f *Forwarder) Dispatch(ctx context.Context) error {
	if !f.dispatchMu.TryLock() {
		f.log.Debug("dispatch already in progress; skipping")
		return nil
	}
	defer f.dispatchMu.Unlock()

	cfg := f.cfg.Get()
	if cfg == nil {
		return nil
	}
	cycle := uuid.NewString()
	log := f.log.With(logx.String("cycle", cycle))
	f.stats.dispatchRuns.Add(1)

	g := cfg.Forward
	expired, err := f.store.Expire(ctx, f.now().Add(-g.RetentionOrDefault()))
	if err != nil {
		return fmt.Errorf("expire pending: %w", err)
	}
	if expired > 0 {
		f.stats.expired.Add(int64(expired))
		log.Info("expired pending items", logx.Int("count", expired), logx.Duration("retention", g.RetentionOrDefault()))
	}

	pending, err := f.store.Pending(ctx)
	if err != nil {
		log.Error("read pending queue failed; treating as empty", logx.Err(err))
		return nil
	}
	if len(pending) == 0 {
		log.Debug("queue is empty")
		return nil
	}
	logQueue(log, pending)

	channels := channelIndex(cfg)
	units := selectUnits(pending, channels)
	limit := g.BatchLimitOrDefault()

	var (
		selected []storage.PendingItem
		ready    []sink.Unit
		skipped  int
		next     int
	)
	// Selected ids are removed whatever happens below, panics included.
	defer func() {
		f.removeSelected(ctx, log, selected)
		remaining := len(pending) - len(selected)
		log.Info("dispatch finished",
			logx.Int("selected", len(selected)),
			logx.Int("delivered", len(ready)),
			logx.Int("skipped", skipped),
			logx.Int("remaining", remaining),
		)
		f.publish(eventbus.TopicDispatched, DispatchEvent{
			Cycle: cycle, Expired: expired, Selected: len(selected),
			Delivered: len(ready), Skipped: skipped, Remaining: remaining,
		})
	}()

	for len(ready) < limit && next < len(units) {
		end := min(next+limit-len(ready), len(units))
		round := units[next:end]
		next = end
		for _, u := range round {
			selected = append(selected, u.items...)
		}
		out, skip := f.safePrepare(ctx, log, cfg, channels, round)
		ready = append(ready, out...)
		skipped += skip
	}

	f.stats.selected.Add(int64(len(selected)))
	f.stats.skipped.Add(int64(skipped))
	for _, u := range ready {
		f.deliver(ctx, log, u)
	}
	return nil
}

// safePrepare drops a round whose preparation panics instead of aborting the
// pass.
func (f *Forwarder) safePrepare(ctx context.Context, log logx.Logger, cfg *config.Config, channels map[string]config.ChannelConfig, round []unit) (out []sink.Unit, skipped int) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("prepare panicked; dropping round",
				logx.Int("units", len(round)),
				logx.Any("panic", r),
				logx.Stack(logx.StackTrace(3, 32)),
			)
			out, skipped = nil, len(round)
		}
	}()
	return f.prepare(ctx, log, cfg, channels, round)
}

// selectUnits orders pending items by channel priority, then most recent
// first, and folds items sharing a group id into one unit at the position
// of the group's first item.
func selectUnits(pending []storage.PendingItem, channels map[string]config.ChannelConfig) []unit {
	sorted := slices.Clone(pending)
	slices.SortStableFunc(sorted, func(a, b storage.PendingItem) int {
		if c := cmp.Compare(channels[b.Channel].Priority, channels[a.Channel].Priority); c != 0 {
			return c
		}
		if c := b.EnqueuedAt.Compare(a.EnqueuedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.MessageID, a.MessageID)
	})

	var units []unit
	groups := map[string]int{}
	for _, it := range sorted {
		if it.GroupID == "" {
			units = append(units, unit{channel: it.Channel, items: []storage.PendingItem{it}})
			continue
		}
		key := it.Channel + "\x00" + it.GroupID
		if i, ok := groups[key]; ok {
			units[i].items = append(units[i].items, it)
			continue
		}
		groups[key] = len(units)
		units = append(units, unit{channel: it.Channel, group: it.GroupID, items: []storage.PendingItem{it}})
	}
	return units
}

// prepare resolves bodies for units and applies the current effective
// config. A content match on any member drops the whole unit; a type or
// size rejection drops only that member.
func (f *Forwarder) prepare(ctx context.Context, log logx.Logger, cfg *config.Config, channels map[string]config.ChannelConfig, units []unit) ([]sink.Unit, int) {
	ids := map[string][]int64{}
	for _, u := range units {
		for _, it := range u.items {
			ids[u.channel] = append(ids[u.channel], it.MessageID)
		}
	}

	bodies := map[string]map[int64]message.Message{}
	for ch, list := range ids {
		msgs, err := f.src.Resolve(ctx, ch, list)
		if err != nil {
			log.Error("resolve failed; units skipped", logx.String("channel", ch), logx.Int64s("ids", list), logx.Err(err))
			continue
		}
		m := make(map[int64]message.Message, len(msgs))
		for _, msg := range msgs {
			if msg.Channel == "" {
				msg.Channel = ch
			}
			m[msg.ID] = msg
		}
		bodies[ch] = m
	}

	type policy struct {
		eff    config.Effective
		limits filter.Limits
		flt    *filter.Filter
	}
	policies := map[string]policy{}
	policyFor := func(ch string) policy {
		if p, ok := policies[ch]; ok {
			return p
		}
		cc, ok := channels[ch]
		if !ok {
			cc = config.ChannelConfig{Channel: ch}
		}
		eff := config.Resolve(cfg.Forward, cc)
		p := policy{
			eff:    eff,
			limits: filter.Limits{Types: eff.ForwardTypes, MaxSize: eff.MaxSize},
			flt: filter.New(filter.Rules{
				Keywords:       eff.FilterKeywords,
				Patterns:       eff.FilterRegex,
				Entities:       hashtagKeys(eff.FilterHashtags),
				IncludeButtons: true,
			}, log.With(logx.String("channel", ch))),
		}
		policies[ch] = p
		return p
	}

	var (
		out     []sink.Unit
		skipped int
	)
	for _, u := range units {
		found, ok := bodies[u.channel]
		if !ok {
			skipped++
			continue
		}
		p := policyFor(u.channel)
		ulog := log.With(logx.String("channel", u.channel))

		var members []message.Message
		hardSkip := false
		for _, it := range u.items {
			m, ok := found[it.MessageID]
			if !ok {
				ulog.Debug("message no longer available", logx.Int64("id", it.MessageID))
				continue
			}
			if r, hit := p.limits.Reject(m); hit {
				ulog.Info("message filtered", logx.Int64("id", m.ID), logx.String("rule", r.Rule), logx.String("match", r.Detail))
				continue
			}
			if r, hit := p.flt.Match(m); hit {
				ulog.Info("message filtered; dropping its unit",
					logx.Int64("id", m.ID),
					logx.String("group", u.group),
					logx.String("rule", r.Rule),
					logx.String("match", r.Detail),
				)
				hardSkip = true
				break
			}
			members = append(members, m)
		}
		if hardSkip || len(members) == 0 {
			skipped++
			continue
		}

		slices.SortStableFunc(members, func(a, b message.Message) int {
			if c := a.Date.Compare(b.Date); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		out = append(out, sink.Unit{
			Channel:     u.channel,
			DisplayName: f.names.get(ctx, u.channel, cfg.Forward.ChannelTitleEnabled()),
			Messages:    members,
			Options:     sink.Options{ExcludeTextOnMedia: p.eff.ExcludeTextOnMedia},
		})
	}
	return out, skipped
}

// DeliveryEvent is published as "forward.delivered" for every unit.
type DeliveryEvent struct {
	Channel string   `json:"channel"`
	IDs     []int64  `json:"ids"`
	Failed  []string `json:"failed,omitempty"`
}

// deliver hands u to every sink under the global send lock. A failing or
// panicking sink does not affect the others.
func (f *Forwarder) deliver(ctx context.Context, log logx.Logger, u sink.Unit) {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	ids := make([]int64, len(u.Messages))
	for i, m := range u.Messages {
		ids[i] = m.ID
	}
	var failed []string
	for _, s := range f.currentSinks() {
		if err := safeDeliver(ctx, s, u); err != nil {
			f.stats.sinkFailures.Add(1)
			failed = append(failed, s.Name())
			log.Error("sink delivery failed",
				logx.String("sink", s.Name()),
				logx.String("channel", u.Channel),
				logx.Int64s("ids", ids),
				logx.Err(err),
			)
		}
	}
	f.stats.deliveredUnits.Add(1)
	log.Info("unit delivered",
		logx.String("channel", u.Channel),
		logx.Int64s("ids", ids),
		logx.Int("failed_sinks", len(failed)),
	)
	f.publish(eventbus.TopicDelivered, DeliveryEvent{Channel: u.Channel, IDs: ids, Failed: failed})
}

func safeDeliver(ctx context.Context, s sink.Sink, u sink.Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.Deliver(ctx, u)
}

func (f *Forwarder) removeSelected(ctx context.Context, log logx.Logger, selected []storage.PendingItem) {
	byChannel := map[string][]int64{}
	var order []string
	for _, it := range selected {
		if _, ok := byChannel[it.Channel]; !ok {
			order = append(order, it.Channel)
		}
		byChannel[it.Channel] = append(byChannel[it.Channel], it.MessageID)
	}
	// Removal must happen even when the pass was cancelled.
	rctx := context.WithoutCancel(ctx)
	for _, ch := range order {
		if err := f.store.Remove(rctx, ch, byChannel[ch]); err != nil {
			log.Error("remove processed ids failed", logx.String("channel", ch), logx.Int64s("ids", byChannel[ch]), logx.Err(err))
		}
	}
}

func logQueue(log logx.Logger, pending []storage.PendingItem) {
	if !log.Enabled(logx.LevelDebug) {
		return
	}
	counts := map[string]int{}
	for _, it := range pending {
		counts[it.Channel]++
	}
	names := make([]string, 0, len(counts))
	for ch := range counts {
		names = append(names, ch)
	}
	slices.Sort(names)
	parts := make([]string, len(names))
	for i, ch := range names {
		parts[i] = fmt.Sprintf("%s(%d)", ch, counts[ch])
	}
	log.Debug("queue state", logx.Int("total", len(pending)), logx.String("channels", strings.Join(parts, ", ")))
}

// hashtagKeys normalizes configured hashtags to filter entity keys.
func hashtagKeys(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "#") && !strings.HasPrefix(t, "@") {
			t = "#" + t
		}
		out = append(out, t)
	}
	return out
}
