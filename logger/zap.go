package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap SugaredLogger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// NewZap creates a zap production logger. The development config is used when ENV=development.
func NewZap(level LogLevel) (Logger, error) {
	var cfg zap.Config
	if os.Getenv("ENV") == "development" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(toZapLevel(level))

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &ZapLogger{sugar: l.Sugar(), level: cfg.Level}, nil
}

// NewZapCore wraps an existing zap core, used to redirect output.
func NewZapCore(core zapcore.Core, level LogLevel) Logger {
	atomicLevel := zap.NewAtomicLevelAt(toZapLevel(level))
	l := zap.New(&leveledCore{Core: core, level: atomicLevel}, zap.AddCallerSkip(1))

	return &ZapLogger{sugar: l.Sugar(), level: atomicLevel}
}

func (l *ZapLogger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *ZapLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *ZapLogger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *ZapLogger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *ZapLogger) Fatal(msg string, keysAndValues ...any) {
	l.sugar.Fatalw(msg, keysAndValues...)
}

func (l *ZapLogger) With(keyValues ...any) Logger {
	return &ZapLogger{sugar: l.sugar.With(keyValues...), level: l.level}
}

func (l *ZapLogger) Level() LogLevel {
	switch l.level.Level() {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.InfoLevel:
		return InfoLevel
	case zapcore.WarnLevel:
		return WarnLevel
	case zapcore.ErrorLevel:
		return ErrorLevel
	default:
		return FatalLevel
	}
}

func (l *ZapLogger) SetLevel(level LogLevel) {
	l.level.SetLevel(toZapLevel(level))
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel
	}
}

// leveledCore gates a core with an atomic level so SetLevel applies to wrapped cores.
type leveledCore struct {
	zapcore.Core
	level zap.AtomicLevel
}

func (c *leveledCore) Enabled(lvl zapcore.Level) bool {
	return c.level.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *leveledCore) With(fields []zapcore.Field) zapcore.Core {
	return &leveledCore{Core: c.Core.With(fields), level: c.level}
}

func (c *leveledCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}

	return ce
}
