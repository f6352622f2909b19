// log.go - Leveled, subsystem-tagged logging for the Chimera Engine

package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type LogLevel int32

const (
	LOG_DEBUG LogLevel = iota
	LOG_INFO
	LOG_WARN
	LOG_ERROR
	LOG_OFF
)

func (l LogLevel) String() string {
	switch l {
	case LOG_DEBUG:
		return "DEBUG"
	case LOG_INFO:
		return "INFO"
	case LOG_WARN:
		return "WARN"
	case LOG_ERROR:
		return "ERROR"
	default:
		return "OFF"
	}
}

// VMLogger writes timestamped, subsystem-tagged lines. A single logger is
// shared by all subsystems of a machine; the level may be changed at runtime
// from the monitor.
type VMLogger struct {
	mu    sync.Mutex
	out   io.Writer
	level atomic.Int32
}

func NewVMLogger(out io.Writer, level LogLevel) *VMLogger {
	if out == nil {
		out = os.Stderr
	}
	l := &VMLogger{out: out}
	l.level.Store(int32(level))
	return l
}

func (l *VMLogger) SetLevel(level LogLevel) { l.level.Store(int32(level)) }
func (l *VMLogger) Level() LogLevel         { return LogLevel(l.level.Load()) }

func (l *VMLogger) logf(level LogLevel, tag, format string, args ...any) {
	if int32(level) < l.level.Load() {
		return
	}
	ts := time.Now().Format("15:04:05.000")
	line := fmt.Sprintf("%s %-5s [%s] %s\n", ts, level, tag, fmt.Sprintf(format, args...))
	l.mu.Lock()
	_, _ = io.WriteString(l.out, line)
	l.mu.Unlock()
}

func (l *VMLogger) Debugf(tag, format string, args ...any) { l.logf(LOG_DEBUG, tag, format, args...) }
func (l *VMLogger) Infof(tag, format string, args ...any)  { l.logf(LOG_INFO, tag, format, args...) }
func (l *VMLogger) Warnf(tag, format string, args ...any)  { l.logf(LOG_WARN, tag, format, args...) }
func (l *VMLogger) Errorf(tag, format string, args ...any) { l.logf(LOG_ERROR, tag, format, args...) }

// nopLogger is used by tests and by subsystems constructed without a machine.
var nopLogger = NewVMLogger(io.Discard, LOG_OFF)
