package obs

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = newLogger(os.Stdout)
)

func newLogger(w io.Writer) zerolog.Logger {
	// Log lines keep the ts/msg/level schema.
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	return zerolog.New(w).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	defer mu.Unlock()
	if v {
		base = base.Level(zerolog.DebugLevel)
	} else {
		base = base.Level(zerolog.InfoLevel)
	}
}

// SetOutput redirects all log lines to w. Used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	lvl := base.GetLevel()
	base = newLogger(w).Level(lvl)
}

type Fields map[string]any

func logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := base
	return &l
}

func logWith(ev *zerolog.Event, msg string, f Fields) {
	if ev == nil {
		return
	}
	if f != nil {
		ev = ev.Fields(map[string]any(f))
	}
	ev.Msg(msg)
}

func Info(msg string, f Fields)  { logWith(logger().Info(), msg, f) }
func Warn(msg string, f Fields)  { logWith(logger().Warn(), msg, f) }
func Error(msg string, f Fields) { logWith(logger().Error(), msg, f) }
func Debug(msg string, f Fields) { logWith(logger().Debug(), msg, f) }
