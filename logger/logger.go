// Package logger is the process-wide logging facade. Everything in the bot
// logs through here so the output format and level are controlled in one
// place (console writer, level from config).
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// SetLevel sets the global log level. Unknown names fall back to info.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// With returns a component-scoped logger.
func With(component string) Logger {
	return Logger{l: root.With().Str("component", component).Logger()}
}

// Logger is a thin wrapper exposing the printf-style surface the rest of
// the codebase uses.
type Logger struct {
	l zerolog.Logger
}

func (lg Logger) Info(msg string)                          { lg.l.Info().Msg(msg) }
func (lg Logger) Infof(format string, args ...interface{}) { lg.l.Info().Msgf(format, args...) }
func (lg Logger) Warnf(format string, args ...interface{}) { lg.l.Warn().Msgf(format, args...) }
func (lg Logger) Errorf(format string, args ...interface{}) {
	lg.l.Error().Msgf(format, args...)
}
func (lg Logger) Debugf(format string, args ...interface{}) { lg.l.Debug().Msgf(format, args...) }

// Package-level convenience functions for code without a component logger.

func Info(msg string)                           { root.Info().Msg(msg) }
func Infof(format string, args ...interface{})  { root.Info().Msgf(format, args...) }
func Warnf(format string, args ...interface{})  { root.Warn().Msgf(format, args...) }
func Errorf(format string, args ...interface{}) { root.Error().Msgf(format, args...) }
func Debugf(format string, args ...interface{}) { root.Debug().Msgf(format, args...) }
