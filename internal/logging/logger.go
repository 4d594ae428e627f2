package logging

import (
	"io"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// New constructs a zerolog.Logger for the given environment. Development
// environments get human readable console output at debug level.
func New(appEnv string) zerolog.Logger {
	return NewWithWriter(appEnv, os.Stdout)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(appEnv string, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if isDev(appEnv) {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()

	if isDev(appEnv) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger
}

func isDev(appEnv string) bool {
	return appEnv == "dev" || appEnv == "development"
}

// WatermillAdapter lets watermill components log through zerolog.
type WatermillAdapter struct {
	logger zerolog.Logger
}

// NewWatermillAdapter wraps logger for use as a watermill.LoggerAdapter.
func NewWatermillAdapter(logger zerolog.Logger) watermill.LoggerAdapter {
	return WatermillAdapter{logger: logger.With().Str("component", "watermill").Logger()}
}

func (a WatermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a WatermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a WatermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a WatermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a WatermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return WatermillAdapter{logger: a.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
