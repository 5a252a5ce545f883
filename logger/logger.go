package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Logger is a component-scoped zerolog logger. Fields are passed as maps,
// usually built with Fields.
type Logger struct {
	zl zerolog.Logger
}

// New builds a logger from cfg. A nil w writes to cfg.Output.
func New(cfg Config, w io.Writer) *Logger {
	cfg.ApplyDefaults()
	if w == nil {
		w = os.Stdout
		if strings.EqualFold(cfg.Output, "stderr") {
			w = os.Stderr
		}
	}
	if strings.EqualFold(cfg.Format, FormatConsole) {
		w = consoleWriter(w, cfg.NoColor)
	}

	lvl, _ := cfg.level()
	zc := zerolog.New(w).Level(lvl).With().Timestamp()
	if cfg.Caller {
		zc = zc.CallerWithSkipFrameCount(4)
	}
	return &Logger{zl: zc.Logger()}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger { return &Logger{zl: zerolog.Nop()} }

// WithComponent tags every line with the component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{zl: l.zl.With().Str(FieldComponent, name).Logger()}
}

type requestIDKey struct{}

// ContextWithRequestID stores a request id that WithContext picks up.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// WithContext adds the request id and the active trace and span ids found
// in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	zc := l.zl.With()
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		zc = zc.Str(FieldRequestID, id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		zc = zc.Str(FieldTraceID, sc.TraceID().String()).Str(FieldSpanID, sc.SpanID().String())
	}
	return &Logger{zl: zc.Logger()}
}

func (l *Logger) Debug(msg string, fields ...map[string]any) { emit(l.zl.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...map[string]any)  { emit(l.zl.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...map[string]any)  { emit(l.zl.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...map[string]any) { emit(l.zl.Error(), msg, fields) }

func emit(e *zerolog.Event, msg string, fields []map[string]any) {
	if e == nil {
		return
	}
	for _, m := range fields {
		e.Fields(m)
	}
	e.Msg(msg)
}

var global atomic.Pointer[Logger]

// Init builds the process logger from cfg and installs it.
func Init(cfg Config) *Logger {
	l := New(cfg, nil)
	global.Store(l)
	return l
}

// SetGlobalLogger replaces the process logger.
func SetGlobalLogger(l *Logger) { global.Store(l) }

// GetGlobalLogger returns the process logger, an info-level console logger
// until Init runs.
func GetGlobalLogger() *Logger {
	if l := global.Load(); l != nil {
		return l
	}
	l := New(Config{}, nil)
	if global.CompareAndSwap(nil, l) {
		return l
	}
	return global.Load()
}

func Debug(msg string, fields ...map[string]any) { GetGlobalLogger().Debug(msg, fields...) }
func Info(msg string, fields ...map[string]any)  { GetGlobalLogger().Info(msg, fields...) }
func Warn(msg string, fields ...map[string]any)  { GetGlobalLogger().Warn(msg, fields...) }
func Error(msg string, fields ...map[string]any) { GetGlobalLogger().Error(msg, fields...) }

func consoleWriter(w io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    noColor,
		TimeFormat: "15:04:05.000",
		// the component is printed as a part between level and message
		PartsOrder:    []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, FieldComponent, zerolog.MessageFieldName},
		FieldsExclude: []string{FieldComponent},
		FormatFieldValue: func(v any) string {
			switch v := v.(type) {
			case nil:
				return ""
			case json.RawMessage:
				// bools, slices and maps arrive marshaled
				return string(v)
			case []byte:
				return string(v)
			}
			return fmt.Sprint(v)
		},
	}
}
