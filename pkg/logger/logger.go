package logger

import (
	"log"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// ParseLevel converts a textual level into a Level, defaulting to InfoLevel.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, true
	case "info", "":
		return InfoLevel, true
	case "notice":
		return NoticeLevel, true
	case "error":
		return ErrorLevel, true
	}
	return InfoLevel, false
}

// Component identifies the subsystem a message originates from.
type Component string

const (
	None     Component = ""
	Gateway  Component = "gateway"
	Relayer  Component = "relayer"
	Notifier Component = "notifier"
	Chain    Component = "chain"
	Store    Component = "store"
)

var componentPrefixes = map[Component]string{
	None:     "",
	Gateway:  "[GATEWAY]  ",
	Relayer:  "[RELAYER]  ",
	Notifier: "[NOTIFIER] ",
	Chain:    "[CHAIN]    ",
	Store:    "[STORE]    ",
}

var colors = map[Component]color.Attribute{
	None:     color.FgWhite,
	Gateway:  color.FgHiGreen,
	Relayer:  color.FgYellow,
	Notifier: color.FgMagenta,
	Chain:    color.FgHiBlue,
	Store:    color.FgCyan,
}

// Logger is a simple interface for logging messages.
type Logger interface {
	// Info logs an informational message.
	Info(format string, args ...interface{})
	InfoWith(component Component, format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})
	ErrorWith(component Component, format string, args ...interface{})

	// Debug logs a debug message.
	Debug(format string, args ...interface{})
	DebugWith(component Component, format string, args ...interface{})

	// Notice logs a notice message.
	Notice(format string, args ...interface{})
	NoticeWith(component Component, format string, args ...interface{})
}

// EmptyLogger is a simple implementation of the Logger interface that does nothing.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})                    {}
func (l *EmptyLogger) InfoWith(_ Component, _ string, _ ...interface{})   {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})                   {}
func (l *EmptyLogger) ErrorWith(_ Component, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})                   {}
func (l *EmptyLogger) DebugWith(_ Component, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{})                  {}
func (l *EmptyLogger) NoticeWith(_ Component, _ string, _ ...interface{}) {}

// StdLogger is a standard implementation of the Logger interface that logs messages to the console.
type StdLogger struct {
	enableColoring bool
	level          Level
	mu             sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
	}
}

// formatMessage prepends the level tag and the component prefix, colored if enabled.
func (l *StdLogger) formatMessage(level Level, component Component, format string) string {
	prefix, ok := componentPrefixes[component]
	if !ok {
		prefix = "[" + strings.ToUpper(string(component)) + "] "
	}
	if l.enableColoring && prefix != "" {
		attr, ok := colors[component]
		if !ok {
			attr = color.FgWhite
		}
		prefix = color.New(attr).Sprint(prefix)
	}

	var levelStr string
	switch level {
	case DebugLevel:
		levelStr = "[DEBUG]  "
	case InfoLevel:
		levelStr = "[INFO]   "
	case NoticeLevel:
		levelStr = "[NOTICE] "
	case ErrorLevel:
		levelStr = "[ERROR]  "
	}

	return levelStr + prefix + format
}

func (l *StdLogger) logf(level Level, component Component, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= level {
		log.Printf(l.formatMessage(level, component, format), args...)
	}
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.logf(InfoLevel, None, format, args...)
}

func (l *StdLogger) InfoWith(component Component, format string, args ...interface{}) {
	l.logf(InfoLevel, component, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.logf(ErrorLevel, None, format, args...)
}

func (l *StdLogger) ErrorWith(component Component, format string, args ...interface{}) {
	l.logf(ErrorLevel, component, format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.logf(DebugLevel, None, format, args...)
}

func (l *StdLogger) DebugWith(component Component, format string, args ...interface{}) {
	l.logf(DebugLevel, component, format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.logf(NoticeLevel, None, format, args...)
}

func (l *StdLogger) NoticeWith(component Component, format string, args ...interface{}) {
	l.logf(NoticeLevel, component, format, args...)
}
