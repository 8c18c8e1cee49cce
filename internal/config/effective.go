package config

import (
	"fmt"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"

	"chanrelay/internal/message"
)

const (
	DefaultCheckInterval   = 60 * time.Second
	DefaultSendInterval    = 60 * time.Second
	DefaultBatchSizeLimit  = 3
	DefaultRetentionPeriod = 24 * time.Hour
)

// Effective is the per-channel policy obtained by combining the global
// forward config with one channel entry. The strictest setting wins.
type Effective struct {
	Channel      string
	ForwardTypes map[message.Type]bool
	MaxSize      int64 // bytes, 0 = unlimited

	FilterKeywords []string
	FilterRegex    []string
	FilterHashtags []string

	PollInterval       time.Duration
	MsgLimit           int
	Priority           int
	ExcludeTextOnMedia bool
}

// Resolve computes the effective policy for ch. Invalid values fall back to
// their defaults; Validate rejects them before a config is committed.
func Resolve(g ForwardConfig, ch ChannelConfig) Effective {
	e := Effective{
		Channel:            ch.Channel,
		ForwardTypes:       intersectTypes(g.ForwardTypes, ch.ForwardTypes),
		MaxSize:            strictestSize(parseSize(g.MaxFileSize), parseSize(ch.MaxFileSize)),
		FilterKeywords:     unionStrings(g.FilterKeywords, ch.FilterKeywords),
		FilterHashtags:     unionStrings(g.FilterHashtags, ch.FilterHashtags),
		MsgLimit:           ch.MsgLimit,
		Priority:           ch.Priority,
		ExcludeTextOnMedia: ch.ExcludeTextOnMedia.Resolve(g.ExcludeTextOnMedia),
	}
	for _, p := range []string{g.FilterRegex, ch.FilterRegex} {
		if strings.TrimSpace(p) != "" {
			e.FilterRegex = append(e.FilterRegex, p)
		}
	}
	if e.MsgLimit <= 0 {
		e.MsgLimit = DefaultMsgLimit
	}

	e.PollInterval = durationOr(ch.CheckInterval, g.CheckIntervalOrDefault())
	return e
}

// SendIntervalOrDefault is the dispatch period.
func (g ForwardConfig) SendIntervalOrDefault() time.Duration {
	return durationOr(g.SendInterval, DefaultSendInterval)
}

func (g ForwardConfig) CheckIntervalOrDefault() time.Duration {
	return durationOr(g.CheckInterval, DefaultCheckInterval)
}

func (g ForwardConfig) RetentionOrDefault() time.Duration {
	return durationOr(g.RetentionPeriod, DefaultRetentionPeriod)
}

func (g ForwardConfig) BatchLimitOrDefault() int {
	if g.BatchSizeLimit > 0 {
		return g.BatchSizeLimit
	}
	return DefaultBatchSizeLimit
}

func (g ForwardConfig) ChannelTitleEnabled() bool {
	return g.UseChannelTitle == nil || *g.UseChannelTitle
}

func intersectTypes(global, channel []string) map[message.Type]bool {
	gs := typeSet(global)
	cs := typeSet(channel)
	out := make(map[message.Type]bool, len(message.AllTypes))
	for _, t := range message.AllTypes {
		if gs[t] && cs[t] {
			out[t] = true
		}
	}
	return out
}

// typeSet treats an empty list as "all types".
func typeSet(list []string) map[message.Type]bool {
	out := make(map[message.Type]bool, len(message.AllTypes))
	if len(list) == 0 {
		for _, t := range message.AllTypes {
			out[t] = true
		}
		return out
	}
	for _, s := range list {
		if t, ok := message.ParseType(s); ok {
			out[t] = true
		}
	}
	return out
}

func strictestSize(a, b int64) int64 {
	switch {
	case a > 0 && b > 0:
		return min(a, b)
	case a > 0:
		return a
	default:
		return b
	}
}

// ParseSize parses a human byte size such as "20MB". Empty means 0 (unlimited).
func ParseSize(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	return int64(n), nil
}

func parseSize(raw string) int64 {
	n, _ := ParseSize(raw)
	return n
}

// ParseDuration parses a duration such as "90s" found at field. Empty means
// 0; negative values are rejected.
func ParseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// durationOr falls back to def for empty, zero or unparsable values.
func durationOr(raw string, def time.Duration) time.Duration {
	if d, err := ParseDuration("", raw); err == nil && d > 0 {
		return d
	}
	return def
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
