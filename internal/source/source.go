// Package source defines where channel messages come from.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chanrelay/internal/message"
)

var ErrNotFound = errors.New("channel not found")

// Cursor selects which messages Fetch returns. The first set field wins:
// AfterID, then Since, then Recent.
type Cursor struct {
	AfterID int64     // messages with id > AfterID, oldest first
	Since   time.Time // messages posted at or after Since, oldest first
	Recent  int       // the n most recent messages
	Limit   int       // upper bound for AfterID and Since
}

func (c Cursor) String() string {
	switch {
	case c.AfterID > 0:
		return fmt.Sprintf("after_id=%d limit=%d", c.AfterID, c.Limit)
	case !c.Since.IsZero():
		return fmt.Sprintf("since=%s limit=%d", c.Since.Format(time.DateOnly), c.Limit)
	default:
		return fmt.Sprintf("recent=%d", c.Recent)
	}
}

// Source reads channel history.
type Source interface {
	Fetch(ctx context.Context, channel string, cur Cursor) ([]message.Message, error)
	// Resolve returns the messages for ids; missing ids are silently omitted.
	Resolve(ctx context.Context, channel string, ids []int64) ([]message.Message, error)
}

// TitleResolver is implemented by sources that know a channel's display title.
type TitleResolver interface {
	Title(ctx context.Context, channel string) (string, error)
}

// Permanent marks err as not worth retrying (bad request, unknown channel).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter attaches a server-suggested delay to err.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error { return e.err }

func retryHint(err error) (time.Duration, bool) {
	var ra retryAfterError
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}
