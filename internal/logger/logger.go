// Package logger provides the leveled logger threaded through the load engine.
//
// Components never reach for a package-level logger; they receive a Logger at
// construction time so tests can substitute NopLogger or a testing.T adapter.
package logger

import (
	"fmt"
	"io"
	"log"
	"time"
)

const rfc3339Usec = "2006-01-02T15:04:05.000000Z07:00"

// Logger is the logging contract used across the repository.
type Logger interface {
	Printf(format string, v ...any)
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
	// WithPrefix returns a Logger with the same configuration whose lines are
	// tagged with prefix (e.g. "attach/flatfile: ").
	WithPrefix(prefix string) Logger
}

const (
	LevelError = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func levelPrefix(level int) string {
	return [...]string{"ERROR: ", "WARN:  ", "INFO:  ", "DEBUG: "}[level]
}

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any)        {}
func (nopLogger) Debugf(string, ...any)        {}
func (nopLogger) Infof(string, ...any)         {}
func (nopLogger) Warnf(string, ...any)         {}
func (nopLogger) Errorf(string, ...any)        {}
func (n nopLogger) WithPrefix(string) Logger { return n }

type standardLogger struct {
	logger    *log.Logger
	verbosity int
	prefix    string
	w         io.Writer
}

// utcWriter stamps each line in UTC with microsecond resolution.
type utcWriter struct{ w io.Writer }

func (u utcWriter) Write(b []byte) (int, error) {
	return fmt.Fprintf(u.w, "%s %s", time.Now().UTC().Format(rfc3339Usec), b)
}

func newStandardLogger(w io.Writer, verbosity int, prefix string) *standardLogger {
	return &standardLogger{
		logger:    log.New(utcWriter{w: w}, "", 0),
		verbosity: verbosity,
		prefix:    prefix,
		w:         w,
	}
}

// NewStandardLogger logs at info level and above.
func NewStandardLogger(w io.Writer) Logger { return newStandardLogger(w, LevelInfo, "") }

// NewVerboseLogger logs everything including debug lines.
func NewVerboseLogger(w io.Writer) Logger { return newStandardLogger(w, LevelDebug, "") }

func (s *standardLogger) printf(level int, format string, v ...any) {
	if level > s.verbosity {
		return
	}
	s.logger.Printf(levelPrefix(level)+s.prefix+format, v...)
}

func (s *standardLogger) Printf(format string, v ...any) { s.printf(LevelInfo, format, v...) }
func (s *standardLogger) Debugf(format string, v ...any) { s.printf(LevelDebug, format, v...) }
func (s *standardLogger) Infof(format string, v ...any)  { s.printf(LevelInfo, format, v...) }
func (s *standardLogger) Warnf(format string, v ...any)  { s.printf(LevelWarn, format, v...) }
func (s *standardLogger) Errorf(format string, v ...any) { s.printf(LevelError, format, v...) }

func (s *standardLogger) WithPrefix(prefix string) Logger {
	return newStandardLogger(s.w, s.verbosity, s.prefix+prefix)
}

// Logfer is anything with a Logf method, typically *testing.T.
type Logfer interface {
	Logf(format string, v ...any)
}

type logfLogger struct {
	wrapped Logfer
	prefix  string
}

// NewLogfLogger adapts a testing.T (or similar) to Logger.
func NewLogfLogger(l Logfer) Logger { return &logfLogger{wrapped: l} }

func (l *logfLogger) Printf(format string, v ...any) { l.wrapped.Logf(l.prefix+format, v...) }
func (l *logfLogger) Debugf(format string, v ...any) { l.wrapped.Logf(l.prefix+format, v...) }
func (l *logfLogger) Infof(format string, v ...any)  { l.wrapped.Logf(l.prefix+format, v...) }
func (l *logfLogger) Warnf(format string, v ...any)  { l.wrapped.Logf(l.prefix+format, v...) }
func (l *logfLogger) Errorf(format string, v ...any) { l.wrapped.Logf(l.prefix+format, v...) }

func (l *logfLogger) WithPrefix(prefix string) Logger {
	return &logfLogger{wrapped: l.wrapped, prefix: l.prefix + prefix}
}
