package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chanrelay/internal/source"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", Token: "secret", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestFetchAfterID(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/channels/news/messages", r.URL.Path)
		require.Equal(t, "50", r.URL.Query().Get("after_id"))
		require.Equal(t, "20", r.URL.Query().Get("limit"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"messages":[{"id":52,"text":"b"},{"id":51,"text":"a"}]}`)
	})

	msgs, err := c.Fetch(context.Background(), "@news", source.Cursor{AfterID: 50, Limit: 20})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, int64(51), msgs[0].ID)
	require.Equal(t, int64(52), msgs[1].ID)
	require.Equal(t, "@news", msgs[0].Channel)
}

func TestFetchRecentAndSince(t *testing.T) {
	t.Parallel()

	var queries []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		_, _ = io.WriteString(w, `{"messages":[]}`)
	})

	_, err := c.Fetch(context.Background(), "news", source.Cursor{Recent: 1})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "news", source.Cursor{Since: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), Limit: 5})
	require.NoError(t, err)
	require.Equal(t, []string{"recent=1", "limit=5&since=2025-01-02T00%3A00%3A00Z"}, queries)
}

func TestResolvePostsIDs(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/channels/news/messages/resolve", r.URL.Path)
		var body struct {
			IDs []int64 `json:"ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, []int64{7, 9}, body.IDs)
		_, _ = io.WriteString(w, `{"messages":[{"id":7,"channel":"news","media":{"kind":"photo","size":10}}]}`)
	})

	msgs, err := c.Resolve(context.Background(), "news", []int64{7, 9})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, int64(10), msgs[0].Size())
}

func TestResolveEmptyIsNoop(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s", r.URL)
	})
	msgs, err := c.Resolve(context.Background(), "news", nil)
	require.NoError(t, err)
	require.Nil(t, msgs)
}

func TestTitle(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/channels/news", r.URL.Path)
		_, _ = io.WriteString(w, `{"title":" Daily News "}`)
	})
	title, err := c.Title(context.Background(), "news")
	require.NoError(t, err)
	require.Equal(t, "Daily News", title)
}

func TestStatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		status    int
		header    string
		permanent bool
		notFound  bool
	}{
		{"not found", http.StatusNotFound, "", true, true},
		{"bad request", http.StatusBadRequest, "", true, false},
		{"rate limited", http.StatusTooManyRequests, "3", false, false},
		{"server error", http.StatusBadGateway, "", false, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tc.header != "" {
					w.Header().Set("Retry-After", tc.header)
				}
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, "nope")
			})
			_, err := c.Fetch(context.Background(), "news", source.Cursor{Recent: 1})
			require.Error(t, err)
			require.Equal(t, tc.permanent, source.IsPermanent(err))
			require.Equal(t, tc.notFound, errors.Is(err, source.ErrNotFound))
		})
	}
}

func TestInvalidJSON(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"messages":`)
	})
	_, err := c.Fetch(context.Background(), "news", source.Cursor{Recent: 1})
	require.ErrorContains(t, err, "invalid bridge response")
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
