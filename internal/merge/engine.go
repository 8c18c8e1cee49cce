// Package merge tags logically related messages with a shared group id
// before they are queued, so dispatch delivers them as one unit.
package merge

import (
	"sort"

	"chanrelay/internal/config"
	"chanrelay/internal/message"
	logx "chanrelay/pkg/logx"
)

// Engine applies at most one rule per channel.
type Engine struct {
	rules map[string]Rule
	log   logx.Logger
}

// NewEngine builds rules from cfgs. Unknown or misconfigured rules are
// logged and skipped; that channel then has no merge rule.
func NewEngine(cfgs []config.MergeRuleConfig, log logx.Logger) *Engine {
	e := &Engine{rules: map[string]Rule{}, log: log}
	for _, rc := range cfgs {
		factory, ok := lookup(rc.Rule)
		if !ok {
			log.Warn("unknown merge rule; skipping",
				logx.String("channel", rc.Channel),
				logx.String("rule", rc.Rule),
				logx.Any("known", Names()),
			)
			continue
		}
		rule, err := factory(Params(rc.Params), log.With(logx.String("rule", rc.Rule), logx.String("channel", rc.Channel)))
		if err != nil {
			log.Warn("merge rule misconfigured; skipping",
				logx.String("channel", rc.Channel),
				logx.String("rule", rc.Rule),
				logx.Err(err),
			)
			continue
		}
		e.rules[rc.Channel] = rule
	}
	return e
}

// Has reports whether channel has a merge rule.
func (e *Engine) Has(channel string) bool {
	_, ok := e.rules[channel]
	return ok
}

// Merge returns a copy of items in the same order with group ids assigned.
// It never drops a message. The same input always yields the same ids.
func (e *Engine) Merge(items []message.Envelope) []message.Envelope {
	out := append([]message.Envelope(nil), items...)
	if len(e.rules) == 0 {
		return out
	}

	used := make([]bool, len(out))
	for i := range out {
		if used[i] {
			continue
		}
		rule, ok := e.rules[out[i].Channel]
		if !ok {
			continue
		}
		used[i] = true

		group := e.collect(out, used, i, rule)
		if len(group) < 2 {
			continue
		}
		sort.Ints(group)

		key, ok := "", false
		for _, idx := range group {
			if key, ok = rule.GroupKey(out[idx].Message); ok {
				break
			}
		}
		if !ok {
			e.log.Debug("merge group has no key; leaving ungrouped",
				logx.String("channel", out[i].Channel),
				logx.Int("size", len(group)),
			)
			continue
		}

		members := make([]*message.Envelope, len(group))
		albums := map[string]bool{}
		for k, idx := range group {
			members[k] = &out[idx]
			if g := out[idx].GroupID; g != "" {
				albums[g] = true
			}
		}
		rule.MarkGroup(members, key)

		// Album siblings of a merged member take the merge group id.
		merged := out[group[0]].GroupID
		for j := range out {
			if out[j].Channel == out[i].Channel && albums[out[j].GroupID] {
				out[j].GroupID = merged
				used[j] = true
			}
		}
	}
	return out
}

// collect grows a group from start until no unused message of the same
// channel pairs with any member in either direction.
func (e *Engine) collect(out []message.Envelope, used []bool, start int, rule Rule) []int {
	channel := out[start].Channel
	group := []int{start}
	for grown := true; grown; {
		grown = false
		for j := range out {
			if used[j] || out[j].Channel != channel {
				continue
			}
			for _, g := range group {
				a, b := out[g].Message, out[j].Message
				if rule.CanMerge(a, b) || rule.CanMerge(b, a) {
					group = append(group, j)
					used[j] = true
					grown = true
					break
				}
			}
		}
	}
	return group
}
