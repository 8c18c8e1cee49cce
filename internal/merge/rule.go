package merge

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"chanrelay/internal/message"
	logx "chanrelay/pkg/logx"
)

// Rule fuses logically related messages of one channel.
//
// CanMerge is directional: left and right play different roles (for example
// preview and original). The engine tries both orders.
type Rule interface {
	CanMerge(left, right message.Message) bool
	// GroupKey returns the identity shared by a group's members.
	GroupKey(m message.Message) (string, bool)
	// MarkGroup assigns the group id for key to every member.
	MarkGroup(members []*message.Envelope, key string)
}

// Factory builds a rule from its config params.
type Factory func(params Params, log logx.Logger) (Rule, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a rule available by name. Names are case-insensitive.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = f
}

func lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// Names lists registered rules, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// GroupID derives the stable group id for a key within a channel.
func GroupID(channel, key string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(channel))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return "merge:" + strconv.FormatUint(h.Sum64(), 16)
}

// Stamp sets the group id for key on every member.
func Stamp(members []*message.Envelope, key string) {
	for _, m := range members {
		m.GroupID = GroupID(m.Channel, key)
	}
}

// Params are the free-form options of a merge rule.
type Params map[string]any

// Duration reads a Go duration string or a number of seconds.
func (p Params) Duration(name string, def time.Duration) (time.Duration, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("param %s: %w", name, err)
		}
		return d, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case int:
		return time.Duration(x) * time.Second, nil
	case int64:
		return time.Duration(x) * time.Second, nil
	default:
		return 0, fmt.Errorf("param %s: unsupported value %v", name, v)
	}
}
