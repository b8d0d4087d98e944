// Package logging builds the component loggers.
//
// Every component logs through a *log.Logger with a bracketed prefix. The
// shared writer is stderr, optionally teed into a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the log file name inside the logs directory.
const FileName = "cnpjsync.log"

// Options configures the shared writer.
type Options struct {
	// Dir enables the rotating log file when non-empty.
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// RunID, when set, is added to every prefix.
	RunID string
}

// Sink is the shared log destination.
type Sink struct {
	w      io.Writer
	rotate *lumberjack.Logger
	runID  string

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// New creates a Sink. A zero Options logs to stderr only.
func New(opts Options) *Sink {
	s := &Sink{
		w:       os.Stderr,
		runID:   opts.RunID,
		loggers: make(map[string]*log.Logger),
	}
	if opts.Dir != "" {
		s.rotate = &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, FileName),
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		s.w = io.MultiWriter(os.Stderr, s.rotate)
	}
	return s
}

// Logger returns the logger for a component, e.g. Logger("export") logs
// with prefix "[export] ". Loggers are cached per component.
func (s *Sink) Logger(component string) *log.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.loggers[component]; ok {
		return l
	}
	prefix := "[" + component + "] "
	if s.runID != "" {
		prefix = "[" + component + " " + shortRunID(s.runID) + "] "
	}
	l := log.New(s.w, prefix, log.LstdFlags)
	s.loggers[component] = l
	return l
}

// Writer returns the underlying writer.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// Close closes the rotating file if any.
func (s *Sink) Close() error {
	if s.rotate == nil {
		return nil
	}
	return s.rotate.Close()
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Default returns a stderr logger for a component. Constructors use it when
// they are handed a nil logger.
func Default(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
