package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chanrelay/internal/config"
	"chanrelay/internal/scheduler"
	"chanrelay/internal/sink"
	"chanrelay/internal/sink/discord"
	"chanrelay/internal/sink/napcat"
	"chanrelay/internal/sink/telegram"
	"chanrelay/internal/source"
	"chanrelay/internal/source/httpsource"
	"chanrelay/internal/storage"
	logx "chanrelay/pkg/logx"
)

const (
	captureJob      = "forward.capture"
	dispatchJob     = "forward.dispatch"
	minCaptureEvery = 5 * time.Second

	defaultQueuePath = "./data/queue.json"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file", "json":
		if path == "" {
			path = defaultQueuePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		if busy == 0 {
			busy = time.Second
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// buildSource wraps the bridge client in the bounded retry decorator.
func buildSource(cfg *config.Config, log logx.Logger) (*source.Retrying, error) {
	sc := cfg.Source
	timeout, err := config.ParseDuration("source.timeout", sc.Timeout)
	if err != nil {
		return nil, err
	}
	base, err := config.ParseDuration("source.retry_base", sc.RetryBase)
	if err != nil {
		return nil, err
	}
	client, err := httpsource.New(httpsource.Config{BaseURL: sc.BaseURL, Token: sc.Token, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	p := source.Policy{Base: base}
	if sc.RetryMax > 0 {
		p.Attempts = sc.RetryMax + 1
	}
	return source.NewRetrying(client, p, log), nil
}

// buildSinks returns one sink per enabled section. A section that fails to
// build is reported; the others are still returned.
func buildSinks(cfg *config.Config, log logx.Logger) ([]sink.Sink, error) {
	var (
		out  []sink.Sink
		errs []error
	)
	s := cfg.Sinks
	if t := s.Telegram; t != nil && t.Enabled {
		ts, err := telegram.New(telegram.Config{Token: t.Token, Targets: t.Targets, RatePerSec: t.RatePerSec},
			log.With(logx.String("sink", telegram.Name)))
		if err != nil {
			errs = append(errs, fmt.Errorf("sinks.telegram: %w", err))
		} else {
			out = append(out, ts)
		}
	}
	if n := s.NapCat; n != nil && n.Enabled {
		timeout, err := config.ParseDuration("sinks.napcat.timeout", n.Timeout)
		if err == nil {
			var ns *napcat.Sink
			ns, err = napcat.New(napcat.Config{URL: n.URL, Token: n.Token, Groups: n.Groups, Timeout: timeout},
				log.With(logx.String("sink", napcat.Name)))
			if err == nil {
				out = append(out, ns)
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("sinks.napcat: %w", err))
		}
	}
	if d := s.Discord; d != nil && d.Enabled {
		ds, err := discord.New(d.Webhooks, log.With(logx.String("sink", discord.Name)))
		if err != nil {
			errs = append(errs, fmt.Errorf("sinks.discord: %w", err))
		} else {
			out = append(out, ds)
		}
	}
	return out, errors.Join(errs...)
}

// captureSchedule is capture_schedule when set, otherwise the shortest
// check interval across the global policy and every channel, floored at 5s.
// Each channel still debounces to its own interval.
func captureSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Forward.CaptureSchedule); s != "" {
		return s
	}
	every := cfg.Forward.CheckIntervalOrDefault()
	for _, ch := range cfg.Channels {
		every = min(every, config.Resolve(cfg.Forward, ch).PollInterval)
	}
	return max(every, minCaptureEvery).String()
}

func dispatchSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Forward.DispatchSchedule); s != "" {
		return s
	}
	return "@every " + cfg.Forward.SendIntervalOrDefault().String()
}

// validateRuntime rejects configs the app could not apply on reload.
func validateRuntime(cfg *config.Config) error {
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	for name, raw := range map[string]string{"forward.capture_schedule": captureSchedule(cfg), "forward.dispatch_schedule": dispatchSchedule(cfg)} {
		if err := scheduler.Validate(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("timezone: invalid %q: %w", tz, err))
		}
	}
	return errors.Join(errs...)
}
