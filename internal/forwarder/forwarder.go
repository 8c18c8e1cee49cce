// Package forwarder runs the two relay loops over a shared queue store.
//
// Capture polls every configured channel, tags related messages through the
// merge engine and enqueues their ids, advancing the channel watermark only
// after every id is stored. Dispatch drains the queue in priority and recency
// order, re-resolves bodies, re-applies the current filters and hands each
// logical unit to every sink under one send lock. Selected ids are removed
// whatever the delivery outcome.
package forwarder

import (
	"errors"
	"strings"
	"sync"
	"time"

	"chanrelay/internal/config"
	"chanrelay/internal/eventbus"
	"chanrelay/internal/merge"
	"chanrelay/internal/sink"
	"chanrelay/internal/source"
	"chanrelay/internal/storage"
	logx "chanrelay/pkg/logx"
)

// ConfigSource yields the current configuration. It is read fresh on every cycle.
type ConfigSource interface {
	Get() *config.Config
}

type Options struct {
	Source source.Source
	Store  storage.Store
	Sinks  []sink.Sink
	Config ConfigSource
	Bus    eventbus.Bus
	Log    logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Forwarder struct {
	src   source.Source
	store storage.Store
	cfg   ConfigSource
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	sinkMu sync.RWMutex
	sinks  []sink.Sink

	chMu     sync.Mutex
	channels map[string]*channelState

	engineMu  sync.Mutex
	engineFor *config.Config
	engine    *merge.Engine

	// dispatchMu serializes dispatch passes; sendMu orders sink output.
	dispatchMu sync.Mutex
	sendMu     sync.Mutex

	names *displayNames
	stats counters
}

type channelState struct {
	fetch sync.Mutex

	mu        sync.Mutex
	lastCheck time.Time
}

func New(opts Options) (*Forwarder, error) {
	if opts.Source == nil {
		return nil, errors.New("forwarder: source is nil")
	}
	if opts.Store == nil {
		return nil, errors.New("forwarder: store is nil")
	}
	if opts.Config == nil {
		return nil, errors.New("forwarder: config is nil")
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	f := &Forwarder{
		src:      opts.Source,
		store:    opts.Store,
		cfg:      opts.Config,
		bus:      opts.Bus,
		log:      log,
		now:      now,
		channels: map[string]*channelState{},
	}
	f.names = newDisplayNames(opts.Source, log)
	f.SetSinks(opts.Sinks)
	return f, nil
}

// SetSinks replaces the delivery targets. The next unit uses the new set.
func (f *Forwarder) SetSinks(sinks []sink.Sink) {
	cp := make([]sink.Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			cp = append(cp, s)
		}
	}
	f.sinkMu.Lock()
	f.sinks = cp
	f.sinkMu.Unlock()
}

func (f *Forwarder) currentSinks() []sink.Sink {
	f.sinkMu.RLock()
	defer f.sinkMu.RUnlock()
	return f.sinks
}

func (f *Forwarder) channel(name string) *channelState {
	f.chMu.Lock()
	defer f.chMu.Unlock()
	st, ok := f.channels[name]
	if !ok {
		st = &channelState{}
		f.channels[name] = st
	}
	return st
}

// mergeEngine rebuilds the engine when the config snapshot changes.
func (f *Forwarder) mergeEngine(cfg *config.Config) *merge.Engine {
	f.engineMu.Lock()
	defer f.engineMu.Unlock()
	if f.engine == nil || f.engineFor != cfg {
		f.engine = merge.NewEngine(cfg.Forward.MergeRules, f.log.With(logx.String("comp", "merge")))
		f.engineFor = cfg
	}
	return f.engine
}

func (f *Forwarder) publish(typ string, data any) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(eventbus.Event{Type: typ, Time: f.now(), Data: data})
}

// channelIndex maps channel names to their entries.
func channelIndex(cfg *config.Config) map[string]config.ChannelConfig {
	out := make(map[string]config.ChannelConfig, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		if name := strings.TrimSpace(ch.Channel); name != "" {
			out[name] = ch
		}
	}
	return out
}
