// Package discord relays units to Discord channels through webhooks.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"

	"chanrelay/internal/message"
	"chanrelay/internal/sink"
	logx "chanrelay/pkg/logx"
)

const (
	Name = "discord"

	contentLimit = 2000
	embedLimit   = 10
)

type executor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type webhook struct {
	id    string
	token string
}

type Sink struct {
	session  executor
	webhooks []webhook
	log      logx.Logger
}

// New accepts webhook URLs of the form https://discord.com/api/webhooks/{id}/{token}.
func New(urls []string, log logx.Logger) (*Sink, error) {
	session, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	return newSink(session, urls, log)
}

func newSink(session executor, urls []string, log logx.Logger) (*Sink, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sink{session: session, log: log.With(logx.String("sink", Name))}
	for _, raw := range urls {
		id, token, err := ParseWebhook(raw)
		if err != nil {
			return nil, err
		}
		s.webhooks = append(s.webhooks, webhook{id: id, token: token})
	}
	if len(s.webhooks) == 0 {
		return nil, errors.New("discord sink has no webhooks")
	}
	return s, nil
}

// ParseWebhook extracts the id and token from a webhook URL.
func ParseWebhook(raw string) (id, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("discord webhook: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord webhook url has no /webhooks/{id}/{token}: %q", raw)
}

func (s *Sink) Name() string { return Name }

func (s *Sink) Deliver(ctx context.Context, u sink.Unit) error {
	params := buildParams(u)
	var errs []error
	for _, wh := range s.webhooks {
		if _, err := s.session.WebhookExecute(wh.id, wh.token, true, params, discordgo.WithContext(ctx)); err != nil {
			s.log.Warn("discord delivery failed",
				logx.String("channel", u.Channel),
				logx.String("webhook", wh.id),
				logx.Err(err),
			)
			errs = append(errs, fmt.Errorf("webhook %s: %w", wh.id, err))
		}
	}
	return errors.Join(errs...)
}

func buildParams(u sink.Unit) *discordgo.WebhookParams {
	content := sink.Render(u)
	var links []string
	var embeds []*discordgo.MessageEmbed
	for _, m := range u.Media() {
		if m.Media.URL == "" {
			continue
		}
		if m.Type() == message.TypePhoto && len(embeds) < embedLimit {
			embeds = append(embeds, &discordgo.MessageEmbed{Image: &discordgo.MessageEmbedImage{URL: m.Media.URL}})
			continue
		}
		links = append(links, m.Media.URL)
	}
	if len(links) > 0 {
		content += "\n" + strings.Join(links, "\n")
	}
	return &discordgo.WebhookParams{
		Content: truncate(content),
		Embeds:  embeds,
	}
}

func truncate(text string) string {
	r := []rune(text)
	if len(r) > contentLimit {
		return string(r[:contentLimit-3]) + "..."
	}
	return text
}
