package forwarder

import (
	"context"
	"strings"
	"sync"
	"time"

	"chanrelay/internal/source"
	logx "chanrelay/pkg/logx"
)

// displayNames caches channel titles for the forwarder's lifetime. Each
// channel is looked up at most once; failures fall back to "@channel".
type displayNames struct {
	titles source.TitleResolver
	log    logx.Logger

	mu    sync.Mutex
	cache map[string]string
}

func newDisplayNames(src source.Source, log logx.Logger) *displayNames {
	d := &displayNames{log: log, cache: map[string]string{}}
	if tr, ok := src.(source.TitleResolver); ok {
		d.titles = tr
	}
	return d
}

func (d *displayNames) get(ctx context.Context, channel string, useTitle bool) string {
	fallback := "@" + strings.TrimPrefix(channel, "@")
	if !useTitle || d.titles == nil {
		return fallback
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if name, ok := d.cache[channel]; ok {
		return name
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	title, err := d.titles.Title(cctx, channel)
	cancel()
	name := strings.TrimSpace(title)
	if err != nil || name == "" {
		d.log.Warn("channel title unavailable; using handle", logx.String("channel", channel), logx.Err(err))
		name = fallback
	}
	d.cache[channel] = name
	return name
}
