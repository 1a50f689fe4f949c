package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes one timestamped line per call. Children created with Named
// share the parent's writer and lock so lines never interleave.
type Logger struct {
	mu    *sync.Mutex
	level LogLevel
	name  string
	std   *log.Logger
}

func NewLogger(level string) *Logger {
	return NewLoggerTo(os.Stdout, ParseLogLevel(level))
}

func NewLoggerTo(w io.Writer, level LogLevel) *Logger {
	return &Logger{
		mu:    &sync.Mutex{},
		level: level,
		std:   log.New(w, "", 0),
	}
}

// Named returns a child logger that prefixes every line with the component name.
func (l *Logger) Named(name string) *Logger {
	child := *l
	if l.name != "" {
		child.name = l.name + "." + name
	} else {
		child.name = name
	}
	return &child
}

func (l *Logger) Debugf(format string, args ...any) { l.printf(LevelDebug, "DEBUG", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.printf(LevelInfo, "INFO ", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.printf(LevelWarn, "WARN ", format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.printf(LevelError, "ERROR", format, args...) }

func (l *Logger) printf(lv LogLevel, tag, format string, args ...any) {
	if l == nil || lv < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02 15:04:05.000")

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.name != "" {
		l.std.Printf("%s [%s] %s: %s", ts, tag, l.name, msg)
		return
	}
	l.std.Printf("%s [%s] %s", ts, tag, msg)
}
