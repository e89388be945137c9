package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Options configures the process-wide logger.
type Options struct {
	// Level is the minimum level written. Empty means INFO.
	Level Level
	// Format is "console" (human readable, default) or "json".
	Format string
	// Writer defaults to os.Stderr.
	Writer io.Writer
	// Component is attached to every line when set.
	Component string
}

var (
	mu     sync.RWMutex
	logger zerolog.Logger
	inited bool
)

// Init (re)builds the global logger. Safe to call more than once; the last
// call wins.
func Init(opt Options) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stderr
	if opt.Writer != nil {
		w = opt.Writer
	}
	if opt.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: opt.Writer != nil}
	}

	ctx := zerolog.New(w).Level(toZerolog(opt.Level)).With().Timestamp()
	if opt.Component != "" {
		ctx = ctx.Str("component", opt.Component)
	}

	mu.Lock()
	logger = ctx.Logger()
	inited = true
	mu.Unlock()
}

func get() zerolog.Logger {
	mu.RLock()
	if inited {
		l := logger
		mu.RUnlock()
		return l
	}
	mu.RUnlock()
	Init(Options{Level: LevelInfo})
	return get()
}

// SetLevel changes the minimum level of the global logger.
func SetLevel(l Level) {
	cur := get()
	mu.Lock()
	logger = cur.Level(toZerolog(l))
	mu.Unlock()
}

// ParseLevel maps a config/flag string onto a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(msg string, kv ...any) {
	l := get()
	withKVs(l.Debug(), kv...).Msg(msg)
}

func Info(msg string, kv ...any) {
	l := get()
	withKVs(l.Info(), kv...).Msg(msg)
}

func Warn(msg string, kv ...any) {
	l := get()
	withKVs(l.Warn(), kv...).Msg(msg)
}

func Error(msg string, err error, kv ...any) {
	l := get()
	withKVs(l.Error().Err(err), kv...).Msg(msg)
}

// Logger is a component-scoped logger with the same call shape as the
// package-level functions.
type Logger struct {
	component string
}

// Named returns a Logger that tags every line with component=name.
func Named(name string) Logger {
	return Logger{component: name}
}

func (n Logger) Debug(msg string, kv ...any) {
	Debug(msg, append([]any{"component", n.component}, kv...)...)
}

func (n Logger) Info(msg string, kv ...any) {
	Info(msg, append([]any{"component", n.component}, kv...)...)
}

func (n Logger) Warn(msg string, kv ...any) {
	Warn(msg, append([]any{"component", n.component}, kv...)...)
}

func (n Logger) Error(msg string, err error, kv ...any) {
	Error(msg, err, append([]any{"component", n.component}, kv...)...)
}

func toZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// withKVs expects kv as pairs: key, value, key, value, ...
// Non-string keys are skipped and an odd trailing value is ignored.
func withKVs(e *zerolog.Event, kv ...any) *zerolog.Event {
	if e == nil {
		return e
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		switch v := kv[i+1].(type) {
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		case int64:
			e = e.Int64(key, v)
		case bool:
			e = e.Bool(key, v)
		case time.Time:
			e = e.Time(key, v)
		case time.Duration:
			e = e.Dur(key, v)
		case error:
			e = e.AnErr(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}
