package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger keeps the printf-style surface the subpackages expect on top of
// zerolog. Messages starting with a [WARN] or [ERROR] tag are logged at
// that level so subpackages do not need to know about levels.
type Logger struct {
	zl zerolog.Logger
}

func NewLogger(level string, verbose bool) *Logger {
	return newLoggerTo(os.Stdout, level, verbose)
}

func newLoggerTo(w io.Writer, level string, verbose bool) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02 15:04:05", NoColor: true}
	return &Logger{zl: zerolog.New(out).Level(lvl).With().Timestamp().Logger()}
}

func (l *Logger) Printf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	switch {
	case strings.HasPrefix(msg, "[WARN] "):
		l.zl.Warn().Msg(strings.TrimPrefix(msg, "[WARN] "))
	case strings.HasPrefix(msg, "[ERROR] "):
		l.zl.Error().Msg(strings.TrimPrefix(msg, "[ERROR] "))
	default:
		l.zl.Info().Msg(msg)
	}
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.zl.Debug().Msgf(format, v...)
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.zl.Warn().Msgf(format, v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.zl.Error().Msgf(format, v...)
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.zl.Fatal().Msgf(format, v...)
}
