// Package logger is the process-wide leveled logger. The printf-style helpers
// are backed by a single logrus instance so output format and destination are
// configured in one place.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const timestampFormat = "2006-01-02 15:04:05"

var (
	mu     sync.Mutex
	base   = newBase()
	output io.Closer
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
		DisableColors:   true,
	})
	return l
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ParseLevel parses DEBUG, INFO, WARN or ERROR, case-insensitively.
func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %q", level)
	}
}

// SetLevel sets the minimum level. Unknown names are ignored.
func SetLevel(level string) {
	if l, err := ParseLevel(level); err == nil {
		base.SetLevel(l.logrus())
	}
}

// CurrentLevel returns the minimum level being logged.
func CurrentLevel() Level {
	switch base.GetLevel() {
	case logrus.DebugLevel, logrus.TraceLevel:
		return LevelDebug
	case logrus.WarnLevel:
		return LevelWarn
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// SetFormat selects "text" (default) or "json" output.
func SetFormat(format string) error {
	switch strings.ToLower(format) {
	case "text", "":
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
			DisableColors:   true,
		})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	default:
		return fmt.Errorf("unknown log format: %q", format)
	}
	return nil
}

// SetOutput directs logs to "stdout", "stderr" or a file path (appended).
func SetOutput(dest string) error {
	mu.Lock()
	defer mu.Unlock()

	var (
		w      io.Writer
		closer io.Closer
	)
	switch strings.ToLower(dest) {
	case "stdout", "":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		w, closer = f, f
	}

	base.SetOutput(w)
	if output != nil {
		_ = output.Close()
	}
	output = closer
	return nil
}

// SetWriter directs logs to w. Intended for tests.
func SetWriter(w io.Writer) {
	base.SetOutput(w)
}

// WithFields returns an entry carrying structured context.
func WithFields(fields map[string]any) *logrus.Entry {
	return base.WithFields(logrus.Fields(fields))
}

func Debug(format string, v ...any) {
	base.Debugf(format, v...)
}

func Info(format string, v ...any) {
	base.Infof(format, v...)
}

func Warn(format string, v ...any) {
	base.Warnf(format, v...)
}

func Error(format string, v ...any) {
	base.Errorf(format, v...)
}
