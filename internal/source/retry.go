package source

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"chanrelay/internal/message"
	logx "chanrelay/pkg/logx"
)

// Policy bounds transport-level retries.
type Policy struct {
	Attempts int           // total attempts, default 3
	Base     time.Duration // first delay, default 2s
	Max      time.Duration // delay cap, default 15s
	Jitter   float64       // +/- fraction, default 0.2
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Base <= 0 {
		p.Base = 2 * time.Second
	}
	if p.Max <= 0 {
		p.Max = 15 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Retrying wraps src so each call is retried on transient errors.
type Retrying struct {
	src    Source
	policy Policy
	log    logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetrying(src Source, p Policy, log logx.Logger) *Retrying {
	return &Retrying{
		src:    src,
		policy: p.withDefaults(),
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepCtx,
	}
}

func (r *Retrying) Fetch(ctx context.Context, channel string, cur Cursor) ([]message.Message, error) {
	var out []message.Message
	err := r.do(ctx, "fetch", channel, func() error {
		var err error
		out, err = r.src.Fetch(ctx, channel, cur)
		return err
	})
	return out, err
}

func (r *Retrying) Resolve(ctx context.Context, channel string, ids []int64) ([]message.Message, error) {
	var out []message.Message
	err := r.do(ctx, "resolve", channel, func() error {
		var err error
		out, err = r.src.Resolve(ctx, channel, ids)
		return err
	})
	return out, err
}

// Title forwards to the wrapped source when it can resolve titles.
func (r *Retrying) Title(ctx context.Context, channel string) (string, error) {
	tr, ok := r.src.(TitleResolver)
	if !ok {
		return "", errors.ErrUnsupported
	}
	var title string
	err := r.do(ctx, "title", channel, func() error {
		var err error
		title, err = tr.Title(ctx, channel)
		return err
	})
	return title, err
}

func (r *Retrying) do(ctx context.Context, op, channel string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if IsPermanent(err) || ctx.Err() != nil || attempt == r.policy.Attempts {
			return err
		}
		d := r.delay(attempt, err)
		r.log.Warn("source call failed; retrying",
			logx.String("op", op),
			logx.String("channel", channel),
			logx.Int("attempt", attempt),
			logx.Duration("backoff", d),
			logx.Err(err),
		)
		if serr := r.sleep(ctx, d); serr != nil {
			return err
		}
	}
	return err
}

func (r *Retrying) delay(attempt int, err error) time.Duration {
	d, hinted := retryHint(err)
	if !hinted {
		d = r.policy.Base
		for i := 1; i < attempt && d < r.policy.Max; i++ {
			d *= 2
		}
	}
	r.rngMu.Lock()
	f := (r.rng.Float64()*2 - 1) * r.policy.Jitter
	r.rngMu.Unlock()
	d = time.Duration(float64(d) * (1 + f))
	return min(max(d, 0), r.policy.Max)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
