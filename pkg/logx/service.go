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
	defaultFilePath = "./nexus.log"
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

// Service owns the sinks. Loggers derived from it read the current zerolog
// logger on each event, so Apply takes effect everywhere at once.
type Service struct {
	mu   sync.Mutex
	out  io.Writer
	file *os.File
	root atomic.Pointer[zerolog.Logger]
}

// New writes console output to stdout.
func New(cfg Config) (*Service, Logger) { return NewWithWriter(cfg, os.Stdout) }

// NewWithWriter writes console output to out.
func NewWithWriter(cfg Config, out io.Writer) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
	if out == nil {
		out = os.Stdout
	}
	s := &Service{out: out}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply replaces level and sinks. A file that cannot be opened is reported
// on stderr and skipped; with no sink left, console output is used.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeFileLocked()
	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, s.console())
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, s.console())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close releases the file sink. Console output keeps working.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFileLocked()
}

func (s *Service) closeFileLocked() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Service) console() io.Writer {
	return zerolog.ConsoleWriter{
		Out:        s.out,
		TimeFormat: timeFormat,
		NoColor:    !isTerminal(s.out),
		FormatCaller: func(i any) string {
			v, _ := i.(string)
			return v
		},
	}
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultFilePath
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
