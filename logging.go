package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	default:
		return LevelInfo
	}
}

// Logger writes "<timestamp> - <message>" lines to a single writer. It is
// constructed once in main and handed to each component instead of using the
// ambient package-level logger, so tests can capture its output.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
	min Level
}

// NewLogger creates a logger writing to out, dropping records below min.
func NewLogger(out io.Writer, min Level) *Logger {
	return &Logger{out: out, min: min}
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.min {
		return
	}

	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006/01/02 15:04:05")

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s - %s\n", ts, msg)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.logf(LevelDebug, format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.logf(LevelInfo, format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.logf(LevelWarn, format, args...)
}

// Fatalf logs at warn level and terminates the process.
func (l *Logger) Fatalf(format string, args ...any) {
	l.logf(LevelWarn, format, args...)
	os.Exit(1)
}
