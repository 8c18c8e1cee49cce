package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed       = errors.New("storage closed")
	ErrInvalidInput = errors.New("invalid storage input")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): a single JSON document replaced atomically on every write
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PendingItem is one queued message id awaiting dispatch.
type PendingItem struct {
	Channel    string
	MessageID  int64
	EnqueuedAt time.Time
	GroupID    string // empty when the message is not part of a group
}

// ChannelState summarizes one channel for inspection.
type ChannelState struct {
	Channel   string `json:"channel"`
	Watermark int64  `json:"watermark"`
	Pending   int    `json:"pending"`
}

// Store persists per-channel watermarks and the pending queue.
//
// Invariants every driver keeps:
//   - a channel's watermark never decreases
//   - (channel, message id) appears at most once in the queue
//   - a failed write leaves the previously persisted state intact
type Store interface {
	// Watermark returns the highest captured message id, 0 if unknown.
	Watermark(ctx context.Context, channel string) (int64, error)
	// SetWatermark stores id. A value below the current watermark is ignored.
	SetWatermark(ctx context.Context, channel string, id int64) error
	// Enqueue appends item unless the same message id is already pending.
	Enqueue(ctx context.Context, item PendingItem) error
	// Pending lists every queued item across channels.
	Pending(ctx context.Context) ([]PendingItem, error)
	// Remove deletes ids from channel's queue. Missing ids are ignored.
	Remove(ctx context.Context, channel string, ids []int64) error
	// Expire deletes items enqueued before cutoff and returns how many were removed.
	Expire(ctx context.Context, cutoff time.Time) (int, error)
	// Snapshot returns per-channel watermark and queue length, sorted by channel.
	Snapshot(ctx context.Context) ([]ChannelState, error)
	Close() error
}

func validItem(it PendingItem) error {
	if it.Channel == "" || it.MessageID <= 0 {
		return ErrInvalidInput
	}
	return nil
}
