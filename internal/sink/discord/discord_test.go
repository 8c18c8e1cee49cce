package discord

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"

	"chanrelay/internal/message"
	"chanrelay/internal/sink"
	logx "chanrelay/pkg/logx"
)

type call struct {
	id     string
	params *discordgo.WebhookParams
}

type fakeSession struct {
	calls  []call
	failID string
}

func (f *fakeSession) WebhookExecute(id, _ string, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.calls = append(f.calls, call{id: id, params: data})
	if id == f.failID {
		return nil, errors.New("unknown webhook")
	}
	return &discordgo.Message{}, nil
}

func TestParseWebhook(t *testing.T) {
	t.Parallel()

	id, token, err := ParseWebhook("https://discord.com/api/webhooks/123/abc")
	require.NoError(t, err)
	require.Equal(t, "123", id)
	require.Equal(t, "abc", token)

	_, _, err = ParseWebhook("https://discord.com/api/channels/1")
	require.Error(t, err)
}

func TestDeliverEmbedsPhotos(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{}
	s, err := newSink(fs, []string{"https://discord.com/api/webhooks/1/t"}, logx.Nop())
	require.NoError(t, err)

	u := sink.Unit{DisplayName: "Art", Messages: []message.Message{
		{ID: 1, Text: "caption", Media: &message.Media{Kind: message.TypePhoto, URL: "https://cdn/a.jpg"}},
		{ID: 2, Media: &message.Media{Kind: message.TypeDocument, URL: "https://cdn/a.zip"}},
	}}
	require.NoError(t, s.Deliver(context.Background(), u))
	require.Len(t, fs.calls, 1)
	p := fs.calls[0].params
	require.Equal(t, "From #Art:\ncaption\nhttps://cdn/a.zip", p.Content)
	require.Len(t, p.Embeds, 1)
	require.Equal(t, "https://cdn/a.jpg", p.Embeds[0].Image.URL)
}

func TestDeliverWebhookFailureIsIsolated(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{failID: "1"}
	s, err := newSink(fs, []string{
		"https://discord.com/api/webhooks/1/t",
		"https://discord.com/api/webhooks/2/t",
	}, logx.Nop())
	require.NoError(t, err)

	err = s.Deliver(context.Background(), sink.Unit{DisplayName: "N", Messages: []message.Message{{Text: "x"}}})
	require.ErrorContains(t, err, "webhook 1")
	require.Len(t, fs.calls, 2)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	out := truncate(strings.Repeat("字", 2500))
	require.Equal(t, contentLimit, len([]rune(out)))
	require.True(t, strings.HasSuffix(out, "..."))
}

func TestNewRequiresWebhook(t *testing.T) {
	t.Parallel()

	_, err := newSink(&fakeSession{}, nil, logx.Nop())
	require.Error(t, err)
}
