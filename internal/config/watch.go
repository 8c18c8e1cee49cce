package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "chanrelay/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchRetryMin  = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

var errWatcherClosed = errors.New("watcher closed")

// Watch reloads the config file after it settles for reloadDebounce. The
// parent directory is watched so editors that replace the file by rename are
// seen. A failed watcher is recreated with jittered backoff. Watch returns
// nil when ctx ends.
func (m *ConfigManager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir), logx.String("file", name))

	retry := watchRetryMin
	for {
		started, err := m.watchOnce(ctx, dir, name)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			retry = watchRetryMin
		}
		wait := retry + rand.N(retry/2+1)
		log.Warn("config watcher stopped; restarting", logx.Duration("in", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		retry = min(retry*2, watchRetryMax)
	}
}

// watchOnce runs one fsnotify watcher until it fails or ctx ends. Reloads
// run on this goroutine, one at a time. started reports whether the watch
// was established.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, name string) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir))

	settle := time.NewTimer(reloadDebounce)
	settle.Stop()
	defer settle.Stop()

	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-settle.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return true, errWatcherClosed
			}
			if ev.Op&ops != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				settle.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true, errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				settle.Reset(reloadDebounce)
				continue
			}
			if err != nil {
				return true, err
			}
		}
	}
}
