package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"chanrelay/internal/message"
)

// Validate checks cfg for values that would otherwise be silently defaulted.
// It runs on startup and before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	errs := checkTags(cfg)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if _, err := ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if st := cfg.Status; st.Enabled && strings.TrimSpace(st.Addr) != "" {
		addr := strings.TrimSpace(st.Addr)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("status.addr: %w", err))
		} else if strings.TrimSpace(st.Token) == "" && !isLoopback(addr) {
			errs = append(errs, errors.New("status.token: required when status.addr is not loopback"))
		}
	}

	if _, err := ParseDuration("source.timeout", cfg.Source.Timeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDuration("source.retry_base", cfg.Source.RetryBase); err != nil {
		errs = append(errs, err)
	}
	if n := cfg.Sinks.NapCat; n != nil {
		if _, err := ParseDuration("sinks.napcat.timeout", n.Timeout); err != nil {
			errs = append(errs, err)
		}
	}

	f := cfg.Forward
	for path, raw := range map[string]string{
		"forward.check_interval":   f.CheckInterval,
		"forward.send_interval":    f.SendInterval,
		"forward.retention_period": f.RetentionPeriod,
	} {
		if _, err := ParseDuration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseSize(f.MaxFileSize); err != nil {
		errs = append(errs, fmt.Errorf("forward.max_file_size: %w", err))
	}
	errs = append(errs, validateTypes("forward.forward_types", f.ForwardTypes)...)

	seen := make(map[string]struct{}, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		path := fmt.Sprintf("channels[%d]", i)
		name := strings.TrimSpace(ch.Channel)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.channel: required", path))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.channel: duplicate channel %q", path, name))
		}
		seen[name] = struct{}{}

		if _, _, err := ch.StartDate(); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDuration(path+".check_interval", ch.CheckInterval); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseSize(ch.MaxFileSize); err != nil {
			errs = append(errs, fmt.Errorf("%s.max_file_size: %w", path, err))
		}
		errs = append(errs, validateTypes(path+".forward_types", ch.ForwardTypes)...)
		switch Toggle(strings.ToLower(strings.TrimSpace(string(ch.ExcludeTextOnMedia)))) {
		case "", ToggleInherit, ToggleOn, ToggleOff:
		default:
			errs = append(errs, fmt.Errorf("%s.exclude_text_on_media: want inherit, on or off", path))
		}
	}

	return errors.Join(errs...)
}

func validateTypes(path string, list []string) []error {
	var errs []error
	for _, s := range list {
		if _, ok := message.ParseType(s); !ok {
			errs = append(errs, fmt.Errorf("%s: unknown type %q", path, s))
		}
	}
	return errs
}

func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

var tagValidator = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
})

// checkTags runs the `validate` struct tags and reports each failure by its
// config path, e.g. "channels[2].msg_limit".
func checkTags(cfg *Config) []error {
	err := tagValidator().Struct(cfg)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return []error{err}
	}
	out := make([]error, 0, len(fields))
	for _, fe := range fields {
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out = append(out, fmt.Errorf("%s: failed %s", path, rule))
	}
	return out
}
