// Package zerolog adapts a zerolog.Logger to the SDK's logger interface.
package zerolog

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/spandb/spandb.go/pkg/logger"
)

type zerologLogger struct {
	logger zerolog.Logger
}

// New returns a logger.Logger writing structured JSON lines to w.
func New(w io.Writer) logger.Logger {
	return &zerologLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// Wrap adapts an existing zerolog.Logger.
func Wrap(l zerolog.Logger) logger.Logger {
	return &zerologLogger{logger: l}
}

func (l *zerologLogger) Error(msg string, args ...any) { emit(l.logger.Error(), msg, args) }
func (l *zerologLogger) Warn(msg string, args ...any)  { emit(l.logger.Warn(), msg, args) }
func (l *zerologLogger) Info(msg string, args ...any)  { emit(l.logger.Info(), msg, args) }
func (l *zerologLogger) Debug(msg string, args ...any) { emit(l.logger.Debug(), msg, args) }

func emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}
