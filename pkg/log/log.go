package log

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/lmittmann/tint"
	"github.com/rs/zerolog"
)

func init() {
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// New returns a zerolog logger. Inside Kubernetes it writes JSON to stderr,
// elsewhere it writes human readable lines to stdout.
func New() *zerolog.Logger {
	var output io.Writer
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		output = os.Stderr
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02T15:04:05.999Z07:00"}
	}
	return NewWriter(output)
}

// NewWriter returns a zerolog logger writing to w.
func NewWriter(w io.Writer) *zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	return &logger
}

// Slog bridges a zerolog logger into slog.
func Slog(l *zerolog.Logger) *slog.Logger {
	return slog.New(logr.ToSlogHandler(zerologr.New(l)))
}

// NewTint returns a colored slog logger writing to w.
func NewTint(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// Format selects a log output.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
	FormatTint    Format = "tint"
)

// ForFormat returns a slog logger writing to w in the given format.
func ForFormat(f Format, w io.Writer, level slog.Level) (*slog.Logger, error) {
	switch f {
	case FormatTint:
		return NewTint(w, level), nil
	case FormatJSON:
		zl := NewWriter(w).Level(zerologLevel(level))
		return Slog(&zl), nil
	case FormatConsole, "":
		zl := NewWriter(zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02T15:04:05.999Z07:00"}).Level(zerologLevel(level))
		return Slog(&zl), nil
	default:
		return nil, &UnknownFormatError{Format: string(f)}
	}
}

type UnknownFormatError struct {
	Format string
}

func (e *UnknownFormatError) Error() string {
	return "unknown log format " + e.Format
}

func zerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l < slog.LevelInfo:
		return zerolog.TraceLevel
	case l < slog.LevelWarn:
		return zerolog.InfoLevel
	case l < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
