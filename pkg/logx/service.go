package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const fallbackLogPath = "./wacrm.log"

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Service owns the sinks. Apply rebuilds them and atomically swaps the
// logger every derived Logger writes through.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	open io.Closer

	cur atomic.Pointer[zerolog.Logger]
}

// New applies cfg right away. The returned Logger tracks later Apply calls.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) load() zerolog.Logger {
	if p := s.cur.Load(); p != nil {
		return *p
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Close() error {
	s.mu.Lock()
	c := s.open
	s.open = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, closer := sinksFor(cfg)
	zl := build(out, ParseLevel(cfg.Level, LevelInfo))
	s.cur.Store(&zl)

	// The old file is closed only after the swap so no writer is left
	// pointing at a closed descriptor.
	if s.open != nil {
		_ = s.open.Close()
	}
	s.open = closer
	s.cfg = cfg
}

// sinksFor falls back to the console when no sink is usable.
func sinksFor(cfg Config) (io.Writer, io.Closer) {
	var (
		outs   []io.Writer
		closer io.Closer
	)
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fmt.Fprintf(stderr, "logx: %v\n", err)
		} else {
			outs = append(outs, zerolog.SyncWriter(f))
			closer = f
		}
	}
	if cfg.Console || len(outs) == 0 {
		outs = append(outs, consoleSink(stdout))
	}
	if len(outs) == 1 {
		return outs[0], closer
	}
	return zerolog.MultiLevelWriter(outs...), closer
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = fallbackLogPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleSink(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: tsLayout,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
