// Package telegram relays units into Telegram chats through the Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"chanrelay/internal/message"
	"chanrelay/internal/sink"
	logx "chanrelay/pkg/logx"
)

const (
	Name = "telegram"

	textLimit    = 4000
	captionLimit = 1024
	albumLimit   = 10
)

type Config struct {
	Token      string
	Targets    []int64
	RatePerSec int
}

// sender is the subset of *tele.Bot used for delivery.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	SendAlbum(to tele.Recipient, a tele.Album, opts ...interface{}) ([]tele.Message, error)
}

type Sink struct {
	bot     sender
	targets []int64
	limiter *rate.Limiter
	log     logx.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return newSink(b, cfg, log), nil
}

func newSink(bot sender, cfg Config, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Sink{
		bot:     bot,
		targets: append([]int64(nil), cfg.Targets...),
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log.With(logx.String("sink", Name)),
		locks:   map[int64]*sync.Mutex{},
	}
}

func (s *Sink) Name() string { return Name }

func (s *Sink) Deliver(ctx context.Context, u sink.Unit) error {
	var errs []error
	for _, chat := range s.targets {
		if chat == 0 {
			continue
		}
		if err := s.deliverTo(ctx, chat, u); err != nil {
			s.log.Warn("telegram delivery failed",
				logx.String("channel", u.Channel),
				logx.Int64("chat", chat),
				logx.Err(err),
			)
			errs = append(errs, fmt.Errorf("chat %d: %w", chat, err))
			continue
		}
		s.log.Debug("telegram delivered",
			logx.String("channel", u.Channel),
			logx.Int64("chat", chat),
			logx.Int("messages", len(u.Messages)),
		)
	}
	return errors.Join(errs...)
}

func (s *Sink) lock(chat int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[chat]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chat] = l
	}
	return l
}

func (s *Sink) deliverTo(ctx context.Context, chat int64, u sink.Unit) error {
	l := s.lock(chat)
	l.Lock()
	defer l.Unlock()

	to := tele.ChatID(chat)
	text := sink.Render(u)
	media := withURL(u.Media())

	if len(media) == 0 {
		for _, part := range sink.SplitText(text, textLimit) {
			if err := s.send(ctx, to, part, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
				return err
			}
		}
		return nil
	}

	caption := text
	if utf8.RuneCountInString(caption) > captionLimit {
		for _, part := range sink.SplitText(text, textLimit) {
			if err := s.send(ctx, to, part, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
				return err
			}
		}
		caption = ""
	}

	if len(media) > 1 && albumable(media) {
		for start := 0; start < len(media); start += albumLimit {
			end := min(start+albumLimit, len(media))
			album := make(tele.Album, 0, end-start)
			for i, m := range media[start:end] {
				c := ""
				if start == 0 && i == 0 {
					c = caption
				}
				album = append(album, inputFor(m, c))
			}
			if err := s.wait(ctx); err != nil {
				return err
			}
			if _, err := s.bot.SendAlbum(to, album); err != nil {
				return err
			}
		}
		return nil
	}

	for i, m := range media {
		c := ""
		if i == 0 {
			c = caption
		}
		if err := s.send(ctx, to, inputFor(m, c)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) send(ctx context.Context, to tele.Recipient, what interface{}, opts ...interface{}) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	_, err := s.bot.Send(to, what, opts...)
	return err
}

func (s *Sink) wait(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.limiter.Wait(wctx)
}

func withURL(msgs []message.Message) []message.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Media != nil && m.Media.URL != "" {
			out = append(out, m)
		}
	}
	return out
}

// albumable reports whether every item can share one media group
// (Telegram only mixes photos with videos).
func albumable(msgs []message.Message) bool {
	for _, m := range msgs {
		switch m.Type() {
		case message.TypePhoto, message.TypeVideo:
		default:
			return false
		}
	}
	return true
}

func inputFor(m message.Message, caption string) tele.Inputtable {
	f := tele.FromURL(m.Media.URL)
	switch m.Type() {
	case message.TypePhoto:
		return &tele.Photo{File: f, Caption: caption}
	case message.TypeVideo:
		return &tele.Video{File: f, Caption: caption, FileName: m.Media.FileName}
	case message.TypeAudio:
		return &tele.Audio{File: f, Caption: caption, FileName: m.Media.FileName, MIME: m.Media.MimeType}
	default:
		return &tele.Document{File: f, Caption: caption, FileName: m.Media.FileName, MIME: m.Media.MimeType}
	}
}
