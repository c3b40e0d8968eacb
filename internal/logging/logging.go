// Package logging provides the leveled logger used throughout the view
// syncer. The teacher codebase (tinySQL) never reaches for a structured
// logging library — it logs via the standard "log" package directly
// (internal/storage/scheduler.go, cmd/server/main.go) — so this wraps
// log.Logger rather than importing zap/zerolog/logrus.
package logging

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a small leveled wrapper around *log.Logger, keyed by
// clientGroupID so every line is attributable to one ViewSyncer instance.
type Logger struct {
	clientGroupID string
	level         Level
	out           *log.Logger
}

func New(clientGroupID string, level Level) *Logger {
	return &Logger{
		clientGroupID: clientGroupID,
		level:         level,
		out:           log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *Logger) With(clientGroupID string) *Logger {
	return &Logger{clientGroupID: clientGroupID, level: l.level, out: l.out}
}

func (l *Logger) logf(level Level, tag, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("[%s] group=%s %s", tag, l.clientGroupID, msg)
}

func (l *Logger) Debug(format string, args ...any) { l.logf(LevelDebug, "DEBUG", format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.logf(LevelInfo, "INFO", format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.logf(LevelWarn, "WARN", format, args...) }
func (l *Logger) Error(format string, args ...any) { l.logf(LevelError, "ERROR", format, args...) }

// SlowHydrate logs a structured warning when a hydrate/advance call exceeds
// threshold, per spec.md §6's log.slowHydrateThreshold. Zero threshold
// disables the check.
func (l *Logger) SlowHydrate(threshold time.Duration, op string, queryID string, rows int, elapsed time.Duration) {
	if threshold <= 0 || elapsed < threshold {
		return
	}
	l.Warn("slow %s query=%s rows=%s elapsed=%s (threshold %s, started %s)",
		op, queryID, humanize.Comma(int64(rows)), elapsed, threshold,
		humanize.Time(time.Now().Add(-elapsed)))
}
