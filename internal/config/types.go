package config

// Config is the root document loaded from JSON or YAML.
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage"`
	Source   SourceConfig    `json:"source"`
	Sinks    SinksConfig     `json:"sinks"`
	Forward  ForwardConfig   `json:"forward"`
	Channels []ChannelConfig `json:"channels" validate:"dive"`
	Status   StatusConfig    `json:"status"`

	// Timezone used by cron-style schedules. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// StatusConfig enables the local HTTP status endpoint. Binding to a
// non-loopback address requires a token.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default 127.0.0.1:6061
	Token   string `json:"token,omitempty"` // bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the queue store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/queue.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SourceConfig points at the message bridge that exposes channel history over HTTP.
type SourceConfig struct {
	BaseURL   string `json:"base_url" validate:"omitempty,url"`
	Token     string `json:"token,omitempty"` // bearer token (do not log)
	Timeout   string `json:"timeout,omitempty"`
	RetryMax  int    `json:"retry_max,omitempty" validate:"gte=0"`
	RetryBase string `json:"retry_base,omitempty"`
}

type SinksConfig struct {
	Telegram *TelegramSinkConfig `json:"telegram,omitempty"`
	NapCat   *NapCatSinkConfig   `json:"napcat,omitempty"`
	Discord  *DiscordSinkConfig  `json:"discord,omitempty"`
}

type TelegramSinkConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token"`
	Targets    []int64 `json:"targets" validate:"dive,ne=0"`
	RatePerSec int     `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

type NapCatSinkConfig struct {
	Enabled bool    `json:"enabled"`
	URL     string  `json:"url"`
	Token   string  `json:"token,omitempty"`
	Groups  []int64 `json:"groups" validate:"dive,gt=0"`
	Timeout string  `json:"timeout,omitempty"`
}

type DiscordSinkConfig struct {
	Enabled  bool     `json:"enabled"`
	Webhooks []string `json:"webhooks" validate:"dive,url"`
}

// ForwardConfig is the global forwarding policy. Channel entries narrow it.
//
// Defaults (when omitted/zero):
//   - forward_types: all
//   - check_interval: "60s"
//   - send_interval: "60s"
//   - batch_size_limit: 3
//   - retention_period: "24h"
//   - use_channel_title: true
type ForwardConfig struct {
	ForwardTypes   []string `json:"forward_types,omitempty"`
	MaxFileSize    string   `json:"max_file_size,omitempty"` // "20MB", "1.5GiB"; empty or 0 = unlimited
	FilterKeywords []string `json:"filter_keywords,omitempty"`
	FilterRegex    string   `json:"filter_regex,omitempty"`
	FilterHashtags []string `json:"filter_hashtags,omitempty"`

	CheckInterval    string `json:"check_interval,omitempty"`
	SendInterval     string `json:"send_interval,omitempty"`
	CaptureSchedule  string `json:"capture_schedule,omitempty"`
	DispatchSchedule string `json:"dispatch_schedule,omitempty"`

	BatchSizeLimit  int    `json:"batch_size_limit,omitempty" validate:"gte=0"`
	RetentionPeriod string `json:"retention_period,omitempty"`

	ExcludeTextOnMedia bool  `json:"exclude_text_on_media,omitempty"`
	UseChannelTitle    *bool `json:"use_channel_title,omitempty"`

	MergeRules []MergeRuleConfig `json:"merge_rules,omitempty" validate:"dive"`
}

// MergeRuleConfig binds a named merge rule to one channel.
type MergeRuleConfig struct {
	Channel string         `json:"channel" validate:"required"`
	Rule    string         `json:"rule" validate:"required"`
	Params  map[string]any `json:"params,omitempty"`
}
