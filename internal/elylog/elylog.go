// Package elylog is the shared leveled logger. Debug output is gated by
// ELYSIUM_DEBUG, matching the WEB4_DEBUG convention the codebase grew up
// with; warn/error always print so security events are never silenced.
package elylog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var debugEnabled = os.Getenv("ELYSIUM_DEBUG") == "1"

var mu sync.Mutex

func emit(level, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	ts := time.Now().UTC().Format(time.RFC3339)
	fmt.Fprintf(os.Stderr, "%s [%s] %s\n", ts, level, fmt.Sprintf(format, args...))
}

func Debug(format string, args ...any) {
	if !debugEnabled {
		return
	}
	emit("debug", format, args...)
}

func Info(format string, args ...any) {
	emit("info", format, args...)
}

func Warn(format string, args ...any) {
	emit("warn", format, args...)
}

func Error(format string, args ...any) {
	emit("error", format, args...)
}

// Security always logs regardless of debug gating: auth failures and
// similar events must never be silenced by ELYSIUM_DEBUG being unset.
func Security(format string, args ...any) {
	emit("security", format, args...)
}
