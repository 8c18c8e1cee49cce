// Package httpsource reads channel history from a JSON bridge service that
// holds the user session (e.g. an MTProto gateway).
package httpsource

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"chanrelay/internal/message"
	"chanrelay/internal/source"
)

const (
	defaultTimeout = 30 * time.Second
	maxBody        = 16 << 20
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client implements source.Source and source.TitleResolver.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("source base_url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("source base_url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: base,
		token:   strings.TrimSpace(cfg.Token),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type messagesResponse struct {
	Messages []message.Message `json:"messages"`
}

func (c *Client) Fetch(ctx context.Context, channel string, cur source.Cursor) ([]message.Message, error) {
	q := url.Values{}
	switch {
	case cur.AfterID > 0:
		q.Set("after_id", strconv.FormatInt(cur.AfterID, 10))
	case !cur.Since.IsZero():
		q.Set("since", cur.Since.UTC().Format(time.RFC3339))
	default:
		q.Set("recent", strconv.Itoa(max(cur.Recent, 1)))
	}
	if cur.Limit > 0 {
		q.Set("limit", strconv.Itoa(cur.Limit))
	}
	var out messagesResponse
	if err := c.do(ctx, http.MethodGet, c.channelURL(channel, "messages")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return normalize(channel, out.Messages), nil
}

func (c *Client) Resolve(ctx context.Context, channel string, ids []int64) ([]message.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body := struct {
		IDs []int64 `json:"ids"`
	}{IDs: ids}
	var out messagesResponse
	if err := c.do(ctx, http.MethodPost, c.channelURL(channel, "messages", "resolve"), body, &out); err != nil {
		return nil, err
	}
	return normalize(channel, out.Messages), nil
}

func (c *Client) Title(ctx context.Context, channel string) (string, error) {
	var out struct {
		Title string `json:"title"`
	}
	if err := c.do(ctx, http.MethodGet, c.channelURL(channel), nil, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Title), nil
}

func (c *Client) channelURL(channel string, parts ...string) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/channels/")
	b.WriteString(url.PathEscape(strings.TrimPrefix(channel, "@")))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(p)
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return source.Permanent(err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return source.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err := statusError(resp, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid bridge response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response, raw []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("bridge http %d: %s", code, strings.TrimSpace(string(raw)))
	switch {
	case code == http.StatusNotFound:
		return source.Permanent(fmt.Errorf("%w: %v", source.ErrNotFound, err))
	case code == http.StatusTooManyRequests:
		if secs, perr := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); perr == nil {
			return source.RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return err
	case code >= 400 && code < 500:
		return source.Permanent(err)
	default:
		return err
	}
}

// normalize fills Channel on messages the bridge left unset and orders them oldest first.
func normalize(channel string, msgs []message.Message) []message.Message {
	for i := range msgs {
		if msgs[i].Channel == "" {
			msgs[i].Channel = channel
		}
	}
	slices.SortStableFunc(msgs, func(a, b message.Message) int { return cmp.Compare(a.ID, b.ID) })
	return msgs
}
