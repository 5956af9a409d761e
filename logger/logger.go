// Package logger provides the structured logger the discovery engine uses
// by default. JSON output for aggregated environments, text for local
// development, selected by environment.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// StructuredLogger writes leveled, field-tagged log lines. It implements
// core.Logger and is safe for concurrent use.
type StructuredLogger struct {
	mu      sync.Mutex
	level   int
	format  string
	service string
	output  io.Writer
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

// New builds a logger for the named service. Configuration comes from the
// environment: MESHINDEX_LOG_LEVEL (DEBUG/INFO/WARN/ERROR, default INFO)
// and MESHINDEX_LOG_FORMAT (json/text). JSON is auto-selected when running
// inside Kubernetes so log aggregation gets structured lines.
func New(service string) *StructuredLogger {
	level := levelInfo
	if v := os.Getenv("MESHINDEX_LOG_LEVEL"); v != "" {
		level = parseLevel(v)
	}

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if v := os.Getenv("MESHINDEX_LOG_FORMAT"); v != "" {
		format = strings.ToLower(v)
	}

	return &StructuredLogger{
		level:   level,
		format:  format,
		service: service,
		output:  os.Stdout,
	}
}

func parseLevel(s string) int {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return levelDebug
	case "WARN", "WARNING":
		return levelWarn
	case "ERROR":
		return levelError
	default:
		return levelInfo
	}
}

// SetLevel updates the minimum level at runtime.
func (l *StructuredLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = parseLevel(level)
}

// SetFormat switches between "json" and "text" output.
func (l *StructuredLogger) SetFormat(format string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = strings.ToLower(format)
}

// SetOutput redirects log output, mainly for tests.
func (l *StructuredLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields)
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields)
}

func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields)
}

func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields)
}

func (l *StructuredLogger) log(level int, name, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.writeJSON(timestamp, name, msg, fields)
		return
	}
	l.writeText(timestamp, name, msg, fields)
}

func (l *StructuredLogger) writeJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.service,
		"message":   msg,
	}
	for k, v := range fields {
		switch k {
		case "timestamp", "level", "service", "message":
			// reserved keys stay ours
		default:
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *StructuredLogger) writeText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s] %s", timestamp, level, l.service, msg)

	// Stable field order keeps text lines diffable.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	fmt.Fprintln(l.output, b.String())
}
