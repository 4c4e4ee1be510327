package logger

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog logger.
type ZerologLogger struct {
	logger zerolog.Logger
	level  *atomic.Int32
}

// NewZerolog creates a zerolog logger writing to w, or to stdout when w is nil.
// A console writer is used when ENV=development.
func NewZerolog(w io.Writer, level LogLevel) Logger {
	if w == nil {
		w = os.Stdout
	}
	if os.Getenv("ENV") == "development" {
		w = zerolog.ConsoleWriter{Out: w}
	}

	lv := &atomic.Int32{}
	lv.Store(int32(level))
	zl := zerolog.New(w).With().Timestamp().Logger()

	return &ZerologLogger{logger: zl, level: lv}
}

func (l *ZerologLogger) Debug(msg string, keysAndValues ...any) {
	l.emit(DebugLevel, l.logger.Debug(), msg, keysAndValues)
}

func (l *ZerologLogger) Info(msg string, keysAndValues ...any) {
	l.emit(InfoLevel, l.logger.Info(), msg, keysAndValues)
}

func (l *ZerologLogger) Warn(msg string, keysAndValues ...any) {
	l.emit(WarnLevel, l.logger.Warn(), msg, keysAndValues)
}

func (l *ZerologLogger) Error(msg string, keysAndValues ...any) {
	l.emit(ErrorLevel, l.logger.Error(), msg, keysAndValues)
}

func (l *ZerologLogger) Fatal(msg string, keysAndValues ...any) {
	l.logger.Fatal().Fields(keysAndValues).Msg(msg)
}

func (l *ZerologLogger) With(keyValues ...any) Logger {
	return &ZerologLogger{
		logger: l.logger.With().Fields(keyValues).Logger(),
		level:  l.level,
	}
}

func (l *ZerologLogger) Level() LogLevel {
	return LogLevel(l.level.Load())
}

// SetLevel changes the level of this logger and of every child created with With.
func (l *ZerologLogger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

func (l *ZerologLogger) emit(level LogLevel, ev *zerolog.Event, msg string, keysAndValues []any) {
	if int32(level) < l.level.Load() {
		ev.Discard()
		return
	}
	ev.Fields(keysAndValues).Msg(msg)
}
