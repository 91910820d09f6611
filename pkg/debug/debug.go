// Package debug provides category-based debug logging for sitehost.
//
// Two orthogonal controls:
//   - Categories (WHAT to debug): SITEHOST_DEBUG env or logging.debug in config
//   - Levels (HOW MUCH detail): SITEHOST_LOG_LEVEL env or logging.level in config
//
// Usage:
//
//	debug.Log(debug.Streaming, "frame sent", "conn_id", id, "bytes", n)
//	if debug.Enabled(debug.Dispatch) { /* expensive formatting */ }
//
// Categories: dispatch, response, streaming, websocket, auth, config, lifecycle, all.
// Levels: ERROR, WARN, INFO, DEBUG, TRACE.
package debug

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// Debug categories.
const (
	Dispatch  = "dispatch"
	Response  = "response"
	Streaming = "streaming"
	WebSocket = "websocket"
	Auth      = "auth"
	Config    = "config"
	Lifecycle = "lifecycle"
	All       = "all"
)

// LevelTrace is below slog.LevelDebug for maximum verbosity.
const LevelTrace = slog.LevelDebug - 4

var categories atomic.Pointer[map[string]bool]

func init() {
	setCategories(parseCategories(os.Getenv("SITEHOST_DEBUG")))
}

func setCategories(m map[string]bool) {
	categories.Store(&m)
}

// Init selects the enabled categories. The environment overrides config.
func Init(configCategories string) {
	cats := os.Getenv("SITEHOST_DEBUG")
	if cats == "" {
		cats = configCategories
	}
	setCategories(parseCategories(cats))
}

// ResolveLevel returns the log level from SITEHOST_LOG_LEVEL, falling back
// to configLevel and then INFO.
func ResolveLevel(configLevel string) slog.Level {
	if env := os.Getenv("SITEHOST_LOG_LEVEL"); env != "" {
		return ParseLevel(env)
	}
	return ParseLevel(configLevel)
}

// Enabled reports whether debug output is active for the given category.
func Enabled(category string) bool {
	m := *categories.Load()
	return m[All] || m[category]
}

// Log emits a debug message for the given category.
// If the category is not enabled, this is a no-op.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace emits a trace-level message for the given category.
func Trace(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

// ParseLevel converts a level string to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "INFO", "":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Categories returns the enabled categories, sorted.
func Categories() []string {
	var result []string
	for k := range *categories.Load() {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Truncate returns s truncated to maxLen bytes, with "..." appended if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	if s == "" {
		return m
	}
	for _, cat := range strings.Split(s, ",") {
		cat = strings.TrimSpace(strings.ToLower(cat))
		if cat != "" {
			m[cat] = true
		}
	}
	return m
}
