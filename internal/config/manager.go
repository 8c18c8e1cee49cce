package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	logx "chanrelay/pkg/logx"
)

const validateTimeout = 5 * time.Second

// ConfigManager holds the committed config. The forwarder calls Get on every
// cycle, so a committed reload applies on the next capture or dispatch.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu    sync.RWMutex
	cfg   *Config
	print uint64

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}

	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, subs: map[chan *Config]struct{}{}}
}

// NewStaticManager serves cfg and never reloads.
func NewStaticManager(cfg *Config) *ConfigManager {
	m := NewConfigManager("")
	m.commit(cfg)
	return m
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator adds a check that runs after Validate before a reload commits.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Load reads, validates and commits the file. It is the startup path; a
// failure here is fatal for the caller.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every committed reload. A
// subscriber that falls behind sees only the newest configs.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown or already removed channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) read() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

func (m *ConfigManager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.print = fingerprint(cfg)
	m.mu.Unlock()
}

func (m *ConfigManager) broadcast(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for !offer(ch, cfg) {
			select {
			case <-ch:
			default:
			}
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload commits the file if it parses, differs from the committed config
// and passes validation. Otherwise the running config is kept.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.read()
	if err != nil {
		log.Warn("config reload failed; keeping current config", logx.Err(err))
		return
	}

	fp := fingerprint(cfg)
	m.mu.RLock()
	same := fp != 0 && fp == m.print
	m.mu.RUnlock()
	if same {
		log.Debug("config file touched but content unchanged")
		return
	}

	err = Validate(cfg)
	if err == nil && m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.validator(vctx, cfg)
		cancel()
	}
	if err != nil {
		log.Warn("config rejected; keeping current config", logx.Err(err))
		return
	}

	m.commit(cfg)
	m.broadcast(cfg)
	log.Debug("config committed", logx.String("fingerprint", fmt.Sprintf("%016x", fp)))
}
