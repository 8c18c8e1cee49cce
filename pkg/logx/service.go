package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./chanrelay.log"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig

	// Out receives console output. Nil means stdout.
	Out io.Writer
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the outputs shared by every Logger it hands out.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	root     atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root Logger. An
// unusable log file is reported on stderr and logging falls back to the console.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	}
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps level and outputs. The log file stays open across calls
// while its path is unchanged. Safe for concurrent use.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	var fileErr error
	want := ""
	if cfg.File.Enabled {
		want = strings.TrimSpace(cfg.File.Path)
		if want == "" {
			want = defaultFilePath
		}
	}
	if s.file != nil && s.filePath != want {
		_ = s.file.Close()
		s.file, s.filePath = nil, ""
	}
	if want != "" && s.file == nil {
		f, err := os.OpenFile(want, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fileErr = fmt.Errorf("open log file %q: %w", want, err)
		} else {
			s.file, s.filePath = f, want
		}
	}

	writers := make([]io.Writer, 0, 2)
	if cfg.Console || s.file == nil {
		writers = append(writers, consoleWriter(out))
	}
	if s.file != nil {
		writers = append(writers, zerolog.SyncWriter(s.file))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
	return fileErr
}

// Close closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file, s.filePath = nil, ""
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		NoColor:      w != os.Stdout && w != os.Stderr,
		FormatCaller: formatCaller,
	}
}

func formatCaller(i any) string {
	s, _ := i.(string)
	return s
}
