package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "chanrelay/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// removeChunk bounds the number of placeholders in one DELETE.
const removeChunk = 500

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log.With(logx.String("store", "sqlite"))}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Watermark(ctx context.Context, channel string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT last_post_id FROM channels WHERE name = ?`, channel).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, mapClosed(err)
	}
	return id, nil
}

func (s *sqliteStore) SetWatermark(ctx context.Context, channel string, id int64) error {
	if channel == "" || id < 0 {
		return ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapClosed(err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur int64
	err = tx.QueryRowContext(ctx, `SELECT last_post_id FROM channels WHERE name = ?`, channel).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if id < cur {
		s.log.Warn("watermark regression ignored",
			logx.String("channel", channel),
			logx.Int64("current", cur),
			logx.Int64("requested", id),
		)
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channels(name, last_post_id) VALUES(?, ?)
		 ON CONFLICT(name) DO UPDATE SET last_post_id = MAX(last_post_id, excluded.last_post_id)`,
		channel, id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Enqueue(ctx context.Context, item PendingItem) error {
	if err := validItem(item); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapClosed(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO channels(name) VALUES(?)`, item.Channel); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending(channel, message_id, enqueued_at, group_id) VALUES(?,?,?,?)`,
		item.Channel, item.MessageID, item.EnqueuedAt.UnixMicro(), nullStr(item.GroupID),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Pending(ctx context.Context) ([]PendingItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, message_id, enqueued_at, group_id FROM pending ORDER BY channel, seq`)
	if err != nil {
		return nil, mapClosed(err)
	}
	defer rows.Close()

	var out []PendingItem
	for rows.Next() {
		var (
			it  PendingItem
			at  int64
			gid sql.NullString
		)
		if err := rows.Scan(&it.Channel, &it.MessageID, &at, &gid); err != nil {
			return nil, err
		}
		it.EnqueuedAt = time.UnixMicro(at)
		it.GroupID = gid.String
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Remove(ctx context.Context, channel string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapClosed(err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(ids); start += removeChunk {
		chunk := ids[start:min(start+removeChunk, len(ids))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, channel)
		for _, id := range chunk {
			args = append(args, id)
		}
		q := `DELETE FROM pending WHERE channel = ? AND message_id IN (?` + strings.Repeat(",?", len(chunk)-1) + `)`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE enqueued_at < ?`, cutoff.UnixMicro())
	if err != nil {
		return 0, mapClosed(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqliteStore) Snapshot(ctx context.Context) ([]ChannelState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.name, c.last_post_id, COUNT(p.seq)
		 FROM channels c LEFT JOIN pending p ON p.channel = c.name
		 GROUP BY c.name, c.last_post_id
		 ORDER BY c.name`)
	if err != nil {
		return nil, mapClosed(err)
	}
	defer rows.Close()

	var out []ChannelState
	for rows.Next() {
		var st ChannelState
		if err := rows.Scan(&st.Channel, &st.Watermark, &st.Pending); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func mapClosed(err error) error {
	if err != nil && strings.Contains(err.Error(), "sql: database is closed") {
		return ErrClosed
	}
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
