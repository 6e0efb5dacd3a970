// Package log provides the process-wide structured logger used by every
// component of the BEEP core. It mirrors the teacher's logging setup: a
// lumberjack-backed rotating file sink behind a zap JSON encoder, with the
// enabled level driven by configuration.
package log

import (
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the shared logger. It starts as a no-op discard logger so that
// packages can log during init() before a Context has loaded configuration;
// Configure replaces it in place once real settings are known.
var Logger = zap.NewNop()

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// Options controls where and how logs are written.
type Options struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Development enables zap's development mode (panics on DPanic, etc).
	Development bool
}

// DefaultOptions returns the teacher's defaults (1GB rotation, 5 backups,
// 30 day retention, gzip compression) with an info threshold.
func DefaultOptions() Options {
	return Options{
		Level:      "info",
		Path:       "beepd.log",
		MaxSizeMB:  1024,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// Configure rebuilds Logger from opts. Safe to call more than once (e.g. on
// config.Reload); the previous logger is not flushed automatically, callers
// should Sync() before reconfiguring if the old sink must be drained.
func Configure(opts Options) {
	level, ok := levelMap[opts.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= level
	})

	hook := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	sink := zapcore.AddSync(hook)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewJSONEncoder(encoderConfig)
	core := zapcore.NewTee(zapcore.NewCore(encoder, sink, enabler))

	zapOpts := []zap.Option{zap.AddCaller()}
	if opts.Development {
		zapOpts = append(zapOpts, zap.Development())
	}
	Logger = zap.New(core, zapOpts...)
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// Sync flushes any buffered log entries. Errors from Sync on stderr/stdout
// backed loggers are common and ignorable; callers that care can check.
func Sync() error {
	return Logger.Sync()
}
