// Package sink defines delivery destinations for relayed channel messages.
package sink

import (
	"context"
	"strings"
	"unicode/utf8"

	"chanrelay/internal/message"
)

// Options carries the effective per-channel policy flags for one unit.
type Options struct {
	ExcludeTextOnMedia bool
}

// Unit is one logical delivery: a single message or an album/merge group,
// members ordered by date.
type Unit struct {
	Channel     string
	DisplayName string
	Messages    []message.Message
	Options     Options
}

// Media returns the members that carry an attachment.
func (u Unit) Media() []message.Message {
	var out []message.Message
	for _, m := range u.Messages {
		if m.HasMedia() {
			out = append(out, m)
		}
	}
	return out
}

// Sink accepts units. Deliver must be safe for concurrent use but the
// forwarder never calls it concurrently for two units.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, u Unit) error
}

// SplitText breaks s into chunks of at most limit runes, preferring line breaks.
func SplitText(s string, limit int) []string {
	if s == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var out []string
	for s != "" {
		if utf8.RuneCountInString(s) <= limit {
			out = append(out, s)
			break
		}
		cut := byteOffset(s, limit)
		if nl := strings.LastIndexByte(s[:cut], '\n'); nl > cut/2 {
			cut = nl + 1
		}
		out = append(out, strings.TrimRight(s[:cut], "\n"))
		s = s[cut:]
	}
	return out
}

func byteOffset(s string, runes int) int {
	n := 0
	for i := range s {
		if n == runes {
			return i
		}
		n++
	}
	return len(s)
}
