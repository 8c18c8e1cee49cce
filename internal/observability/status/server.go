// Package status serves a local read-only view of the running relay:
// forwarder counters, schedules, supervised goroutines and the queue store,
// plus optional pprof endpoints.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	logx "chanrelay/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6061"

type Config struct {
	Addr  string
	Token string
	Pprof bool
}

// Sources supplies the payload of each endpoint. Nil entries are not routed.
type Sources struct {
	Stats      func() any
	Schedules  func() any
	Goroutines func() any
	Queue      func(ctx context.Context) (any, error)
}

type Server struct {
	cfg Config
	src Sources
	log logx.Logger
}

func New(cfg Config, src Sources, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" && !IsLoopbackAddr(cfg.Addr) {
		return nil, errors.New("status: non-loopback addr requires a token")
	}
	return &Server{cfg: cfg, src: src, log: log}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if f := s.src.Stats; f != nil {
		mux.HandleFunc("GET /stats", s.static(f))
	}
	if f := s.src.Schedules; f != nil {
		mux.HandleFunc("GET /schedules", s.static(f))
	}
	if f := s.src.Goroutines; f != nil {
		mux.HandleFunc("GET /goroutines", s.static(f))
	}
	if f := s.src.Queue; f != nil {
		mux.HandleFunc("GET /queue", func(w http.ResponseWriter, r *http.Request) {
			v, err := f(r.Context())
			if err != nil {
				s.log.Warn("queue snapshot failed", logx.Err(err))
				http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, v)
		})
	}
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return s.withAuth(mux)
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("status server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("status server exited unexpectedly")
	}
	return err
}

func (s *Server) static(f func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, f()) }
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Server) withAuth(h http.Handler) http.Handler {
	tok := s.cfg.Token
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if strings.TrimSpace(got) != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// IsLoopbackAddr reports whether a host:port binds only to loopback.
// An empty host means all interfaces.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
