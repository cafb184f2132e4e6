package logging

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to Logger. The client uses it for
// human-readable console output.
type ZerologLogger struct {
	l zerolog.Logger
}

func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{l: l}
}

// NewConsole writes colourless console lines to w at the given level
// (unknown values mean info).
func NewConsole(w io.Writer, level string) *ZerologLogger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	return NewZerologLogger(zerolog.New(out).Level(lvl).With().Timestamp().Logger())
}

func (z *ZerologLogger) log(ctx context.Context, e *zerolog.Event, msg string, args []any) {
	if len(args) > 0 {
		e = e.Fields(args)
	}
	e.Ctx(ctx).Msg(msg)
}

func (z *ZerologLogger) Debug(ctx context.Context, msg string, args ...any) {
	z.log(ctx, z.l.Debug(), msg, args)
}

func (z *ZerologLogger) Info(ctx context.Context, msg string, args ...any) {
	z.log(ctx, z.l.Info(), msg, args)
}

func (z *ZerologLogger) Warn(ctx context.Context, msg string, args ...any) {
	z.log(ctx, z.l.Warn(), msg, args)
}

func (z *ZerologLogger) Error(ctx context.Context, msg string, args ...any) {
	z.log(ctx, z.l.Error(), msg, args)
}

func (z *ZerologLogger) With(args ...any) Logger {
	return &ZerologLogger{l: z.l.With().Fields(args).Logger()}
}
