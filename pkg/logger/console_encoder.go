package logger

import (
	"strings"

	"github.com/fatih/color"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const customLevelKey = "customlevel"

// contextKeys are rendered as a short bracketed prefix instead of trailing
// key=value fields, in this order.
var contextKeys = []struct{ key, short string }{
	{"host", "H"},
	{"managed_system", "MS"},
	{"cmd", "C"},
	{"path", "P"},
}

var levelColors = map[Level]*color.Color{
	DebugLevel:   color.New(color.FgMagenta),
	SuccessLevel: color.New(color.FgGreen),
	WarnLevel:    color.New(color.FgYellow),
	ErrorLevel:   color.New(color.FgRed),
	FailLevel:    color.New(color.FgRed, color.Bold),
}

// consoleEncoder decorates zap's console encoder with our level names and
// a compact context prefix.
type consoleEncoder struct {
	zapcore.Encoder
	colors bool
	// ctx holds context values added through With.
	ctx map[string]string
}

func newConsoleEncoder(cfg zapcore.EncoderConfig, colors bool) zapcore.Encoder {
	return &consoleEncoder{Encoder: zapcore.NewConsoleEncoder(cfg), colors: colors, ctx: map[string]string{}}
}

func (e *consoleEncoder) Clone() zapcore.Encoder {
	ctx := make(map[string]string, len(e.ctx))
	for k, v := range e.ctx {
		ctx[k] = v
	}
	return &consoleEncoder{Encoder: e.Encoder.Clone(), colors: e.colors, ctx: ctx}
}

func (e *consoleEncoder) AddString(key, val string) {
	if isContextKey(key) {
		e.ctx[key] = val
		return
	}
	e.Encoder.AddString(key, val)
}

func (e *consoleEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	level := levelFromZap(ent.Level)
	ctx := make(map[string]string, len(e.ctx))
	for k, v := range e.ctx {
		ctx[k] = v
	}
	rest := make([]zapcore.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == customLevelKey && f.Type == zapcore.StringType {
			if l, err := ParseLevel(f.String); err == nil {
				level = l
			}
			continue
		}
		if isContextKey(f.Key) && f.Type == zapcore.StringType {
			ctx[f.Key] = f.String
			continue
		}
		rest = append(rest, f)
	}

	var prefix strings.Builder
	prefix.WriteString(e.levelString(level))
	prefix.WriteString(" ")
	for _, ck := range contextKeys {
		if v := ctx[ck.key]; v != "" {
			prefix.WriteString("[" + ck.short + ":" + v + "] ")
		}
	}
	ent.Message = prefix.String() + ent.Message
	return e.Encoder.EncodeEntry(ent, rest)
}

func (e *consoleEncoder) levelString(l Level) string {
	s := "[" + l.CapitalString() + "]"
	if !e.colors {
		return s
	}
	if c, ok := levelColors[l]; ok {
		return c.Sprint(s)
	}
	return s
}

func isContextKey(key string) bool {
	for _, ck := range contextKeys {
		if ck.key == key {
			return true
		}
	}
	return false
}

func levelFromZap(l zapcore.Level) Level {
	switch l {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.WarnLevel:
		return WarnLevel
	case zapcore.ErrorLevel:
		return ErrorLevel
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return FailLevel
	default:
		return InfoLevel
	}
}
