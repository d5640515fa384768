// Package logger wraps zap with the levels phypctl reports on: the usual
// DEBUG/INFO/WARN/ERROR plus SUCCESS for completed remote operations and
// FAIL for unrecoverable errors (logs, then exits).
//
// Console output goes to stderr so command output printed on stdout stays
// machine-readable. File output is JSON, rotated by lumberjack.
//
//	opts := logger.DefaultOptions()
//	opts.ConsoleLevel = logger.DebugLevel
//	logger.Init(opts)
//	defer logger.SyncGlobal()
//
//	log := logger.Get().With("host", "hmc01")
//	log.Infof("pulled identity table (%d records)", n)
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level defines the log level.
type Level int8

const (
	DebugLevel Level = iota - 1
	InfoLevel
	// SuccessLevel is logged at zap's InfoLevel and rendered distinctively.
	SuccessLevel
	WarnLevel
	ErrorLevel
	// FailLevel is logged at zap's FatalLevel, which exits the process.
	FailLevel
)

// String returns a lowercase string representation of the Level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case SuccessLevel:
		return "success"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FailLevel:
		return "fail"
	default:
		return fmt.Sprintf("level(%d)", l)
	}
}

// CapitalString returns a capitalized string representation of the Level.
func (l Level) CapitalString() string {
	return strings.ToUpper(l.String())
}

// ToZapLevel converts Level to zapcore.Level.
func (l Level) ToZapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel, SuccessLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FailLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel maps a configuration string onto a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "success":
		return SuccessLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fail", "fatal":
		return FailLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// Options holds configuration for the logger.
type Options struct {
	ConsoleLevel    Level
	FileLevel       Level
	ConsoleOutput   bool
	ColorConsole    bool
	TimestampFormat string

	// Console receives console output; nil means os.Stderr.
	Console io.Writer

	FileOutput  bool
	LogFilePath string
	// Rotation settings for the file sink, passed to lumberjack.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is a wrapper around zap.SugaredLogger with custom level handling.
type Logger struct {
	*zap.SugaredLogger
	opts Options
}

var (
	globalLogger *Logger
	globalMu     sync.Mutex
)

// Init installs the global logger. Only the first successful call takes
// effect; if the options cannot be honoured a plain stderr logger is used.
func Init(opts Options) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger != nil {
		return
	}
	l, err := NewLogger(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize global logger: %v. Falling back to console logging.\n", err)
		fallback := DefaultOptions()
		fallback.ColorConsole = false
		l, _ = NewLogger(fallback)
	}
	globalLogger = l
}

// Get returns the global logger, initializing it with DefaultOptions if
// Init has not been called.
func Get() *Logger {
	globalMu.Lock()
	l := globalLogger
	globalMu.Unlock()
	if l == nil {
		Init(DefaultOptions())
		globalMu.Lock()
		l = globalLogger
		globalMu.Unlock()
	}
	return l
}

// DefaultOptions logs INFO and above to a colored console; file output is off.
func DefaultOptions() Options {
	return Options{
		ConsoleLevel:    InfoLevel,
		FileLevel:       DebugLevel,
		ConsoleOutput:   true,
		ColorConsole:    true,
		TimestampFormat: time.RFC3339,
		LogFilePath:     "phypctl.log",
		MaxSizeMB:       10,
		MaxBackups:      3,
		MaxAgeDays:      28,
	}
}

func levelEnabler(min Level) zap.LevelEnablerFunc {
	return func(lvl zapcore.Level) bool {
		return lvl >= min.ToZapLevel()
	}
}

// NewLogger creates a Logger from opts.
func NewLogger(opts Options) (*Logger, error) {
	if opts.TimestampFormat == "" {
		opts.TimestampFormat = time.RFC3339
	}
	var cores []zapcore.Core

	if opts.ConsoleOutput {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(opts.TimestampFormat)
		// the level is rendered by consoleEncoder as part of the message
		encCfg.LevelKey = ""
		encCfg.NameKey = "logger"
		w := opts.Console
		if w == nil {
			w = os.Stderr
		}
		cores = append(cores, zapcore.NewCore(
			newConsoleEncoder(encCfg, opts.ColorConsole),
			zapcore.Lock(zapcore.AddSync(w)),
			levelEnabler(opts.ConsoleLevel),
		))
	}

	if opts.FileOutput {
		if opts.LogFilePath == "" {
			return nil, fmt.Errorf("log file path cannot be empty when file output is enabled")
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(opts.TimestampFormat)
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		sink := &lumberjack.Logger{
			Filename:   opts.LogFilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.AddSync(sink),
			levelEnabler(opts.FileLevel),
		))
	}

	if len(cores) == 0 {
		return &Logger{SugaredLogger: zap.NewNop().Sugar(), opts: opts}, nil
	}
	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{SugaredLogger: zl.Sugar(), opts: opts}, nil
}

func (l *Logger) log(level Level, template string, args ...interface{}) {
	if l == nil || l.SugaredLogger == nil {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", level.CapitalString(), fmt.Sprintf(template, args...))
		if level == FailLevel {
			os.Exit(1)
		}
		return
	}
	msg := fmt.Sprintf(template, args...)
	lvl := zap.String(customLevelKey, level.CapitalString())
	sl := l.SugaredLogger.WithOptions(zap.AddCallerSkip(1))
	switch level {
	case DebugLevel:
		sl.Debugw(msg, lvl)
	case WarnLevel:
		sl.Warnw(msg, lvl)
	case ErrorLevel:
		sl.Errorw(msg, lvl)
	case FailLevel:
		sl.Fatalw(msg, lvl)
	default:
		sl.Infow(msg, lvl)
	}
}

func (l *Logger) Debugf(template string, args ...interface{}) { l.log(DebugLevel, template, args...) }
func (l *Logger) Infof(template string, args ...interface{})  { l.log(InfoLevel, template, args...) }

// Successf logs at SuccessLevel.
func (l *Logger) Successf(template string, args ...interface{}) {
	l.log(SuccessLevel, template, args...)
}

func (l *Logger) Warnf(template string, args ...interface{})  { l.log(WarnLevel, template, args...) }
func (l *Logger) Errorf(template string, args ...interface{}) { l.log(ErrorLevel, template, args...) }

// Failf logs at FailLevel and exits the process.
func (l *Logger) Failf(template string, args ...interface{}) { l.log(FailLevel, template, args...) }

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(args...), opts: l.opts}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	if l == nil || l.SugaredLogger == nil {
		return nil
	}
	return l.SugaredLogger.Sync()
}

func Debug(template string, args ...interface{})   { Get().log(DebugLevel, template, args...) }
func Info(template string, args ...interface{})    { Get().log(InfoLevel, template, args...) }
func Success(template string, args ...interface{}) { Get().log(SuccessLevel, template, args...) }
func Warn(template string, args ...interface{})    { Get().log(WarnLevel, template, args...) }
func Error(template string, args ...interface{})   { Get().log(ErrorLevel, template, args...) }
func Fail(template string, args ...interface{})    { Get().log(FailLevel, template, args...) }

// SyncGlobal flushes the global logger.
func SyncGlobal() error {
	return Get().Sync()
}
