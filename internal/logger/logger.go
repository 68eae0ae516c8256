package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	return New(os.Stderr, dev)
}

// New builds a logger writing to w. Dev mode lowers the level to debug and
// switches to the console writer with stack traces.
func New(w io.Writer, dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// Operation attaches a logger scoped to the named operation to ctx and
// returns a func that logs how the operation ended and how long it took.
func Operation(ctx context.Context, logger zerolog.Logger, name string, fields map[string]any) (context.Context, func(err error)) {
	started := time.Now()

	ctx = logger.With().
		Str("operation", name).
		Fields(fields).
		Logger().WithContext(ctx)

	return ctx, func(err error) {
		if err != nil {
			zerolog.Ctx(ctx).Error().
				Err(err).
				Dur("duration", time.Since(started)).
				Msg("operation failed")
			return
		}

		zerolog.Ctx(ctx).Info().
			Dur("duration", time.Since(started)).
			Msg("operation finished")
	}
}
