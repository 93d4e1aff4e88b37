package log

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LogEvent is a single log line under construction. A nil *LogEvent is a
// disabled event, every method is a no-op on it.
type LogEvent struct {
	ev     *zerolog.Event
	level  Level
	logger *GameLogger
}

func (e *LogEvent) Str(key, val string) *LogEvent {
	if e == nil {
		return nil
	}
	e.ev.Str(key, val)
	return e
}

func (e *LogEvent) Strs(key string, vals []string) *LogEvent {
	if e == nil {
		return nil
	}
	e.ev.Strs(key, vals)
	return e
}

func (e *LogEvent) Int(key string, val int) *LogEvent {
	if e == nil {
		return nil
	}
	e.ev.Int(key, val)
	return e
}

func (e *LogEvent) Int32(key string, val int32) *LogEvent {
	if e == nil {
		return nil
	}
	e.ev.Int32(key, val)
	return e
}

func (e *LogEvent) Int64(key string, val int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.ev.Int64(key, val)
	return e
}

func (e *LogEvent) Uint32(key string, val uint32) *LogEvent {
	if e == nil {
		return nil
	}
	e.ev.Uint32(key, val)
	return e
}

func (e *LogEvent) Uint64(key string, val uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.ev.Uint64(key, val)
	return e
}

func (e *LogEvent) Float64(key string, val float64) *LogEvent {
	if e == nil {
		return nil
	}
	e.ev.Float64(key, val)
	return e
}

func (e *LogEvent) Bool(key string, val bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.ev.Bool(key, val)
	return e
}

func (e *LogEvent) Dur(key string, val time.Duration) *LogEvent {
	if e == nil {
		return nil
	}
	e.ev.Dur(key, val)
	return e
}

func (e *LogEvent) Time(key string, val time.Time) *LogEvent {
	if e == nil {
		return nil
	}
	e.ev.Time(key, val)
	return e
}

// Err adds the "error" field. A nil err is skipped.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	e.ev.Err(err)
	return e
}

// Any adds val using reflection-based JSON encoding.
func (e *LogEvent) Any(key string, val any) *LogEvent {
	if e == nil {
		return nil
	}
	e.ev.Interface(key, val)
	return e
}

// Stringer adds val.String(), or null when val is nil.
func (e *LogEvent) Stringer(key string, val fmt.Stringer) *LogEvent {
	if e == nil {
		return nil
	}
	e.ev.Stringer(key, val)
	return e
}

// Msg writes the event. The event must not be used afterwards.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.ev.Msg(msg)
	e.logger.OnEventEnd(e)
}

func (e *LogEvent) Msgf(format string, v ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, v...))
}

// Send writes the event without a message.
func (e *LogEvent) Send() {
	e.Msg("")
}
