package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMsgLimit = 20
	startDateLayout = "2006-01-02"
)

// Toggle is a per-channel override of a global boolean.
type Toggle string

const (
	ToggleInherit Toggle = "inherit"
	ToggleOn      Toggle = "on"
	ToggleOff     Toggle = "off"
)

// Resolve returns the effective value given the global default.
func (t Toggle) Resolve(global bool) bool {
	switch Toggle(strings.ToLower(strings.TrimSpace(string(t)))) {
	case ToggleOn:
		return true
	case ToggleOff:
		return false
	default:
		return global
	}
}

// ChannelConfig describes one watched channel.
//
// In addition to the object form, an entry may be the legacy string
// "name|date|interval|limit" (e.g. "xiaoshuwu|2025-01-01|60|5").
// config_preset "date|interval|limit" overrides the fields it sets.
type ChannelConfig struct {
	Channel        string   `json:"channel"`
	StartTime      string   `json:"start_time,omitempty"`     // YYYY-MM-DD (UTC)
	CheckInterval  string   `json:"check_interval,omitempty"` // Go duration string
	MsgLimit       int      `json:"msg_limit,omitempty" validate:"gte=0"`
	Priority       int      `json:"priority,omitempty"`
	ForwardTypes   []string `json:"forward_types,omitempty"`
	MaxFileSize    string   `json:"max_file_size,omitempty"`
	FilterKeywords []string `json:"filter_keywords,omitempty"`
	FilterRegex    string   `json:"filter_regex,omitempty"`
	FilterHashtags []string `json:"filter_hashtags,omitempty"`

	ExcludeTextOnMedia Toggle `json:"exclude_text_on_media,omitempty"`
	ConfigPreset       string `json:"config_preset,omitempty"`
}

func (c *ChannelConfig) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseLegacyChannel(s)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}

	type plain ChannelConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	cc := ChannelConfig(p)
	if err := cc.applyPreset(); err != nil {
		return err
	}
	*c = cc
	return nil
}

// ParseLegacyChannel parses "name|date|interval|limit". Parts after the name
// are positional-free: a part containing '-' is the start date, the first
// integer is the interval in seconds and the second is the message limit.
func ParseLegacyChannel(s string) (ChannelConfig, error) {
	parts := strings.Split(s, "|")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return ChannelConfig{}, fmt.Errorf("channel %q: missing name", s)
	}

	cc := ChannelConfig{Channel: name}
	var ints []int
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") && cc.StartTime == "" {
			if _, err := time.Parse(startDateLayout, part); err == nil {
				cc.StartTime = part
				continue
			}
		}
		if n, err := strconv.Atoi(part); err == nil && n >= 0 {
			ints = append(ints, n)
		}
	}
	if len(ints) >= 1 && ints[0] > 0 {
		cc.CheckInterval = (time.Duration(ints[0]) * time.Second).String()
	}
	if len(ints) >= 2 {
		cc.MsgLimit = ints[1]
	}
	return cc, nil
}

func (c *ChannelConfig) applyPreset() error {
	preset := strings.TrimSpace(c.ConfigPreset)
	if preset == "" {
		return nil
	}
	parts := strings.Split(preset, "|")
	if d := strings.TrimSpace(parts[0]); d != "" {
		if _, err := time.Parse(startDateLayout, d); err != nil {
			return fmt.Errorf("channel %s: config_preset %q: invalid date", c.Channel, preset)
		}
		c.StartTime = d
	}
	if len(parts) >= 2 {
		if n, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && n > 0 {
			c.CheckInterval = (time.Duration(n) * time.Second).String()
		}
	}
	if len(parts) >= 3 {
		if n, err := strconv.Atoi(strings.TrimSpace(parts[2])); err == nil && n > 0 {
			c.MsgLimit = n
		}
	}
	return nil
}

// StartDate returns the configured start date at 00:00 UTC.
// ok is false when no start date is configured.
func (c ChannelConfig) StartDate() (t time.Time, ok bool, err error) {
	s := strings.TrimSpace(c.StartTime)
	if s == "" {
		return time.Time{}, false, nil
	}
	t, err = time.ParseInLocation(startDateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("channels[%s].start_time: invalid date %q", c.Channel, s)
	}
	return t, true, nil
}
