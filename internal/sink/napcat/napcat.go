// Package napcat relays units into QQ groups through a OneBot v11 HTTP
// endpoint such as NapCat.
package napcat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chanrelay/internal/message"
	"chanrelay/internal/sink"
	logx "chanrelay/pkg/logx"
)

const (
	Name = "napcat"

	localEndpoint  = "http://127.0.0.1:3000/send_group_msg"
	defaultTimeout = 60 * time.Second
)

type Config struct {
	// URL is the send_group_msg endpoint. "localhost" selects the default local NapCat port.
	URL     string
	Token   string
	Groups  []int64
	Timeout time.Duration
}

// Node is one OneBot message segment.
type Node struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

type request struct {
	GroupID int64  `json:"group_id"`
	Message []Node `json:"message"`
}

type response struct {
	Status  string `json:"status"`
	RetCode int    `json:"retcode"`
	Message string `json:"message"`
	Wording string `json:"wording"`
}

type Sink struct {
	endpoint string
	token    string
	groups   []int64
	http     *http.Client
	limiter  *rate.Limiter
	log      logx.Logger

	// recordPause separates the text post from the following voice posts.
	recordPause time.Duration

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" || strings.EqualFold(endpoint, "localhost") {
		endpoint = localEndpoint
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("napcat url must be http(s): %q", endpoint)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{
		endpoint:    endpoint,
		token:       strings.TrimSpace(cfg.Token),
		groups:      append([]int64(nil), cfg.Groups...),
		http:        &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(2), 2),
		log:         log.With(logx.String("sink", Name)),
		recordPause: time.Second,
		locks:       map[int64]*sync.Mutex{},
	}, nil
}

func (s *Sink) Name() string { return Name }

func (s *Sink) Deliver(ctx context.Context, u sink.Unit) error {
	nodes := BuildNodes(u)
	if len(nodes) == 0 {
		return nil
	}

	var errs []error
	for _, gid := range s.groups {
		if gid == 0 {
			continue
		}
		if err := s.deliverTo(ctx, gid, nodes); err != nil {
			s.log.Error("napcat delivery failed",
				logx.String("channel", u.Channel),
				logx.Int64("group", gid),
				logx.Err(err),
			)
			errs = append(errs, fmt.Errorf("group %d: %w", gid, err))
			continue
		}
		s.log.Info("forwarded to qq group",
			logx.String("channel", u.Channel),
			logx.Int64("group", gid),
			logx.Int("messages", len(u.Messages)),
		)
	}
	return errors.Join(errs...)
}

// BuildNodes converts a unit to OneBot segments: the rendered text, then one
// node per attachment.
func BuildNodes(u sink.Unit) []Node {
	body := sink.Body(u)
	media := u.Media()
	if body == "" && len(media) == 0 {
		return nil
	}

	nodes := []Node{textNode(sink.Header(u.DisplayName) + body)}
	for _, m := range media {
		nodes = append(nodes, mediaNode(m))
	}
	return nodes
}

func textNode(text string) Node {
	return Node{Type: "text", Data: map[string]string{"text": text}}
}

func mediaNode(m message.Message) Node {
	url := m.Media.URL
	name := m.Media.FileName
	if name == "" {
		name = string(m.Type())
	}
	if url == "" {
		return textNode(fmt.Sprintf("\n[Media File: %s] (no link)", name))
	}
	switch m.Type() {
	case message.TypePhoto:
		return Node{Type: "image", Data: map[string]string{"file": url}}
	case message.TypeAudio:
		return Node{Type: "record", Data: map[string]string{"file": url}}
	default:
		return textNode(fmt.Sprintf("\n[File Link: %s]", url))
	}
}

func (s *Sink) lock(gid int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[gid]
	if !ok {
		l = &sync.Mutex{}
		s.locks[gid] = l
	}
	return l
}

// deliverTo posts nodes to one group. Voice records cannot share a message
// with other segments, so they follow the rest one by one.
func (s *Sink) deliverTo(ctx context.Context, gid int64, nodes []Node) error {
	l := s.lock(gid)
	l.Lock()
	defer l.Unlock()

	var rest, records []Node
	for _, n := range nodes {
		if n.Type == "record" {
			records = append(records, n)
		} else {
			rest = append(rest, n)
		}
	}

	if len(records) == 0 {
		return s.post(ctx, gid, rest)
	}
	if len(rest) > 0 {
		if err := s.post(ctx, gid, rest); err != nil {
			return err
		}
		if err := pause(ctx, s.recordPause); err != nil {
			return err
		}
	}
	for _, r := range records {
		if err := s.post(ctx, gid, []Node{r}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) post(ctx context.Context, gid int64, nodes []Node) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	raw, err := json.Marshal(request{GroupID: gid, Message: nodes})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("napcat http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		// Some OneBot implementations reply with an empty body on success.
		return nil
	}
	if out.Status == "failed" || out.RetCode != 0 {
		msg := out.Wording
		if msg == "" {
			msg = out.Message
		}
		return fmt.Errorf("napcat send_group_msg failed: %s (retcode=%d)", msg, out.RetCode)
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
