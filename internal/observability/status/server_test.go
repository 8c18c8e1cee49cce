package status

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	logx "chanrelay/pkg/logx"
)

func newTestServer(t *testing.T, cfg Config, src Sources) *httptest.Server {
	t.Helper()
	s, err := New(cfg, src, logx.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url, token string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	return resp, string(buf[:n])
}

func TestEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Config{}, Sources{
		Stats: func() any { return map[string]int{"captured": 3} },
		Queue: func(context.Context) (any, error) { return nil, errors.New("closed") },
	})

	resp, body := get(t, ts.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body)

	resp, body = get(t, ts.URL+"/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.JSONEq(t, `{"captured":3}`, body)

	resp, _ = get(t, ts.URL+"/queue", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = get(t, ts.URL+"/schedules", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, ts.URL+"/debug/pprof/", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTokenRequired(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Config{Token: "s3cret", Pprof: true}, Sources{})

	resp, _ := get(t, ts.URL+"/healthz", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = get(t, ts.URL+"/healthz", "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, ts.URL+"/healthz?token=s3cret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, ts.URL+"/debug/pprof/", "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNonLoopbackNeedsToken(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Addr: "0.0.0.0:6061"}, Sources{}, logx.Nop())
	require.Error(t, err)
	_, err = New(Config{Addr: ":6061", Token: "x"}, Sources{}, logx.Nop())
	require.NoError(t, err)

	require.True(t, IsLoopbackAddr("localhost:1"))
	require.True(t, IsLoopbackAddr("[::1]:1"))
	require.False(t, IsLoopbackAddr(":1"))
	require.False(t, IsLoopbackAddr("nope"))
}
