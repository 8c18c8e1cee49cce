package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "chanrelay/pkg/logx"
)

// fileStore keeps the whole state in one JSON document:
//
//	{"channels": {"<name>": {"last_post_id": 42,
//	  "pending_queue": [{"id": 43, "time": 1735689600.5, "grouped_id": null}]}}}
//
// Every mutation is applied to a copy, written to <path>.tmp, fsynced and
// renamed over <path>; the in-memory state only changes once that succeeds.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	doc    document
	closed bool
}

type document struct {
	Channels map[string]*channelDoc `json:"channels"`
}

type channelDoc struct {
	LastPostID   int64        `json:"last_post_id"`
	PendingQueue []pendingDoc `json:"pending_queue"`
}

type pendingDoc struct {
	ID        int64   `json:"id"`
	Time      float64 `json:"time"` // unix seconds
	GroupedID groupID `json:"grouped_id"`
}

// groupID is written as a string or null. Numeric ids from older documents are accepted.
type groupID string

func (g groupID) MarshalJSON() ([]byte, error) {
	if g == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(g))
}

func (g *groupID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*g = ""
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*g = groupID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*g = groupID(n.String())
		return nil
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log.With(logx.String("store", "file")), path: path}
	s.doc = s.load()
	return s, nil
}

// load reads the document. A missing or corrupt file yields an empty state.
func (s *fileStore) load() document {
	empty := document{Channels: map[string]*channelDoc{}}

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return empty
	}
	if err != nil {
		s.log.Error("queue state unreadable; starting empty", logx.String("path", s.path), logx.Err(err))
		return empty
	}
	var d document
	if err := json.Unmarshal(b, &d); err != nil {
		s.log.Error("queue state corrupt; starting empty", logx.String("path", s.path), logx.Err(err))
		return empty
	}
	if d.Channels == nil {
		d.Channels = map[string]*channelDoc{}
	}
	for name, ch := range d.Channels {
		if ch == nil {
			d.Channels[name] = &channelDoc{}
		}
	}
	return d
}

func (d document) clone() document {
	out := document{Channels: make(map[string]*channelDoc, len(d.Channels))}
	for name, ch := range d.Channels {
		cp := *ch
		cp.PendingQueue = append([]pendingDoc(nil), ch.PendingQueue...)
		out.Channels[name] = &cp
	}
	return out
}

func (d document) channel(name string) *channelDoc {
	ch, ok := d.Channels[name]
	if !ok {
		ch = &channelDoc{}
		d.Channels[name] = ch
	}
	return ch
}

// mutateLocked applies fn to a copy of the document and persists it.
// fn returns false when nothing changed, in which case no write happens.
func (s *fileStore) mutateLocked(fn func(d document) bool) error {
	if s.closed {
		return ErrClosed
	}
	next := s.doc.clone()
	if !fn(next) {
		return nil
	}
	if err := writeAtomic(s.path, next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

func writeAtomic(path string, d document) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fileStore) Watermark(_ context.Context, channel string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if ch, ok := s.doc.Channels[channel]; ok {
		return ch.LastPostID, nil
	}
	return 0, nil
}

func (s *fileStore) SetWatermark(_ context.Context, channel string, id int64) error {
	if channel == "" || id < 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(func(d document) bool {
		ch := d.channel(channel)
		if id < ch.LastPostID {
			s.log.Warn("watermark regression ignored",
				logx.String("channel", channel),
				logx.Int64("current", ch.LastPostID),
				logx.Int64("requested", id),
			)
			return false
		}
		if id == ch.LastPostID {
			return false
		}
		ch.LastPostID = id
		return true
	})
}

func (s *fileStore) Enqueue(_ context.Context, item PendingItem) error {
	if err := validItem(item); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(func(d document) bool {
		ch := d.channel(item.Channel)
		for _, p := range ch.PendingQueue {
			if p.ID == item.MessageID {
				return false
			}
		}
		ch.PendingQueue = append(ch.PendingQueue, pendingDoc{
			ID:        item.MessageID,
			Time:      unixSeconds(item.EnqueuedAt),
			GroupedID: groupID(item.GroupID),
		})
		return true
	})
}

func (s *fileStore) Pending(_ context.Context) ([]PendingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []PendingItem
	for _, name := range sortedChannels(s.doc) {
		for _, p := range s.doc.Channels[name].PendingQueue {
			out = append(out, PendingItem{
				Channel:    name,
				MessageID:  p.ID,
				EnqueuedAt: fromUnixSeconds(p.Time),
				GroupID:    string(p.GroupedID),
			})
		}
	}
	return out, nil
}

func (s *fileStore) Remove(_ context.Context, channel string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(func(d document) bool {
		ch, ok := d.Channels[channel]
		if !ok {
			return false
		}
		kept := ch.PendingQueue[:0]
		for _, p := range ch.PendingQueue {
			if _, gone := drop[p.ID]; !gone {
				kept = append(kept, p)
			}
		}
		changed := len(kept) != len(ch.PendingQueue)
		ch.PendingQueue = kept
		return changed
	})
}

func (s *fileStore) Expire(_ context.Context, cutoff time.Time) (int, error) {
	limit := unixSeconds(cutoff)
	removed := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.mutateLocked(func(d document) bool {
		for _, ch := range d.Channels {
			kept := ch.PendingQueue[:0]
			for _, p := range ch.PendingQueue {
				if p.Time < limit {
					removed++
					continue
				}
				kept = append(kept, p)
			}
			ch.PendingQueue = kept
		}
		return removed > 0
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *fileStore) Snapshot(_ context.Context) ([]ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	names := sortedChannels(s.doc)
	out := make([]ChannelState, 0, len(names))
	for _, name := range names {
		ch := s.doc.Channels[name]
		out = append(out, ChannelState{Channel: name, Watermark: ch.LastPostID, Pending: len(ch.PendingQueue)})
	}
	return out, nil
}

func sortedChannels(d document) []string {
	names := make([]string, 0, len(d.Channels))
	for name := range d.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func fromUnixSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}

