package napcat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"chanrelay/internal/message"
	"chanrelay/internal/sink"
	logx "chanrelay/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	reqs []request
}

func (r *recorder) handler(failGroup int64) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body request
		_ = json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		r.reqs = append(r.reqs, body)
		r.mu.Unlock()
		if body.GroupID == failGroup {
			_, _ = io.WriteString(w, `{"status":"failed","retcode":1200,"wording":"bot muted"}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":"ok","retcode":0}`)
	}
}

func newTestSink(t *testing.T, rec *recorder, failGroup int64, groups ...int64) *Sink {
	t.Helper()
	srv := httptest.NewServer(rec.handler(failGroup))
	t.Cleanup(srv.Close)
	s, err := New(Config{URL: srv.URL + "/send_group_msg", Groups: groups}, logx.Nop())
	require.NoError(t, err)
	s.recordPause = 0
	return s
}

func TestBuildNodes(t *testing.T) {
	t.Parallel()

	u := sink.Unit{DisplayName: "Art", Messages: []message.Message{
		{ID: 1, Text: "caption", Media: &message.Media{Kind: message.TypePhoto, URL: "https://cdn/a.jpg"}},
		{ID: 2, Media: &message.Media{Kind: message.TypeDocument, MimeType: "audio/mpeg", URL: "https://cdn/a.mp3"}},
		{ID: 3, Media: &message.Media{Kind: message.TypeDocument, FileName: "a.zip", URL: "https://cdn/a.zip"}},
		{ID: 4, Media: &message.Media{Kind: message.TypeVideo, FileName: "clip.mp4"}},
	}}
	nodes := BuildNodes(u)
	require.Len(t, nodes, 5)
	require.Equal(t, "From #Art:\ncaption", nodes[0].Data["text"])
	require.Equal(t, "image", nodes[1].Type)
	require.Equal(t, "record", nodes[2].Type)
	require.Equal(t, "\n[File Link: https://cdn/a.zip]", nodes[3].Data["text"])
	require.Contains(t, nodes[4].Data["text"], "clip.mp4")

	require.Nil(t, BuildNodes(sink.Unit{DisplayName: "x", Messages: []message.Message{{ID: 1}}}))
}

func TestDeliverPostsToEveryGroup(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSink(t, rec, 0, 10, 20)
	err := s.Deliver(context.Background(), sink.Unit{DisplayName: "News", Messages: []message.Message{{ID: 1, Text: "hello"}}})
	require.NoError(t, err)
	require.Len(t, rec.reqs, 2)
	require.Equal(t, int64(10), rec.reqs[0].GroupID)
	require.Equal(t, "From #News:\nhello", rec.reqs[0].Message[0].Data["text"])
}

func TestDeliverSplitsRecords(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSink(t, rec, 0, 10)
	u := sink.Unit{DisplayName: "Music", Messages: []message.Message{
		{ID: 1, Text: "track", Media: &message.Media{Kind: message.TypeAudio, URL: "https://cdn/1.ogg"}},
		{ID: 2, Media: &message.Media{Kind: message.TypeAudio, URL: "https://cdn/2.ogg"}},
	}}
	require.NoError(t, s.Deliver(context.Background(), u))
	require.Len(t, rec.reqs, 3)
	require.Equal(t, "text", rec.reqs[0].Message[0].Type)
	require.Len(t, rec.reqs[1].Message, 1)
	require.Equal(t, "record", rec.reqs[1].Message[0].Type)
	require.Equal(t, "https://cdn/2.ogg", rec.reqs[2].Message[0].Data["file"])
}

func TestDeliverGroupFailureIsIsolated(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSink(t, rec, 10, 10, 20)
	err := s.Deliver(context.Background(), sink.Unit{DisplayName: "News", Messages: []message.Message{{ID: 1, Text: "hello"}}})
	require.ErrorContains(t, err, "group 10")
	require.ErrorContains(t, err, "bot muted")
	require.NotContains(t, err.Error(), "group 20")
	require.Len(t, rec.reqs, 2)
}

func TestNewLocalhostShortcut(t *testing.T) {
	t.Parallel()

	s, err := New(Config{URL: "localhost"}, logx.Nop())
	require.NoError(t, err)
	require.Equal(t, localEndpoint, s.endpoint)

	_, err = New(Config{URL: "ftp://x"}, logx.Nop())
	require.Error(t, err)
}
