// Package filter decides which messages must not be relayed.
//
// Content rules (keywords, regular expressions, hashtags and mentions) drop a
// message on the first match. Limits (allowed types, size cap) are evaluated
// separately so callers can treat the two kinds of rejection differently.
package filter

import (
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"

	"chanrelay/internal/message"
	logx "chanrelay/pkg/logx"
)

// Rule names reported in Reason.
const (
	RuleKeyword = "keyword"
	RuleRegex   = "regex"
	RuleEntity  = "entity"
	RuleType    = "type"
	RuleSize    = "size"
)

// Reason explains why a message was rejected.
type Reason struct {
	Rule   string
	Detail string
}

func (r Reason) String() string { return r.Rule + ": " + r.Detail }

// Rules configures content matching.
type Rules struct {
	Keywords []string
	Patterns []string
	// Entities are "#tag" or "@user<ID>" values, compared case-insensitively.
	Entities []string
	// IncludeButtons also matches keywords and patterns against button captions.
	IncludeButtons bool
}

// Filter is an immutable compiled rule set. Safe for concurrent use.
type Filter struct {
	keywords       []string
	patterns       []*regexp.Regexp
	entities       map[string]struct{}
	includeButtons bool
}

// New compiles rules. Invalid patterns are logged and left out, so they never match.
func New(rules Rules, log logx.Logger) *Filter {
	f := &Filter{includeButtons: rules.IncludeButtons}
	for _, kw := range rules.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			f.keywords = append(f.keywords, kw)
		}
	}
	for _, p := range rules.Patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile("(?is)" + p)
		if err != nil {
			log.Error("invalid filter pattern; ignoring", logx.String("pattern", p), logx.Err(err))
			continue
		}
		f.patterns = append(f.patterns, re)
	}
	for _, e := range rules.Entities {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			if f.entities == nil {
				f.entities = make(map[string]struct{})
			}
			f.entities[e] = struct{}{}
		}
	}
	return f
}

// Active reports whether any content rule is configured.
func (f *Filter) Active() bool {
	return len(f.keywords) > 0 || len(f.patterns) > 0 || len(f.entities) > 0
}

// Match reports the first content rule m violates.
func (f *Filter) Match(m message.Message) (Reason, bool) {
	if !f.Active() {
		return Reason{}, false
	}

	text := m.Text
	if f.includeButtons {
		if bt := m.ButtonText(); bt != "" {
			text = text + " " + bt
		}
	}

	if len(f.keywords) > 0 {
		lower := strings.ToLower(text)
		for _, kw := range f.keywords {
			if matchKeywordLower(lower, kw) {
				return Reason{Rule: RuleKeyword, Detail: kw}, true
			}
		}
	}
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return Reason{Rule: RuleRegex, Detail: re.String()}, true
		}
	}
	if len(f.entities) > 0 {
		for _, e := range EntityKeys(m) {
			if _, hit := f.entities[e]; hit {
				return Reason{Rule: RuleEntity, Detail: e}, true
			}
		}
	}
	return Reason{}, false
}

// EntityKeys renders m's entities in filter form: "#tag" for hashtags and
// "@user<ID>" for mentions.
func EntityKeys(m message.Message) []string {
	var out []string
	for _, e := range m.Entities {
		v := strings.ToLower(strings.TrimSpace(e.Value))
		if v == "" {
			continue
		}
		switch e.Kind {
		case "hashtag":
			out = append(out, "#"+strings.TrimPrefix(v, "#"))
		case "mention":
			out = append(out, "@user"+strings.TrimPrefix(v, "@"))
		}
	}
	return out
}

// Limits is the structural part of the dispatch re-check.
type Limits struct {
	Types   map[message.Type]bool
	MaxSize int64 // bytes, 0 = unlimited
}

// Reject reports whether m's type or size exceeds the limits.
// Photos are never size-checked.
func (l Limits) Reject(m message.Message) (Reason, bool) {
	t := m.Type()
	if !l.Types[t] {
		return Reason{Rule: RuleType, Detail: string(t)}, true
	}
	if t != message.TypePhoto && l.MaxSize > 0 && m.Size() > l.MaxSize {
		return Reason{Rule: RuleSize, Detail: humanize.IBytes(uint64(m.Size())) + " > " + humanize.IBytes(uint64(l.MaxSize))}, true
	}
	return Reason{}, false
}
