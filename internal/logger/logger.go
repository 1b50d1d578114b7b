package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level is a logging severity.
type Level int

const (
	TraceLevel Level = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
	PanicLevel
)

var levelNames = map[Level]string{
	TraceLevel: "TRACE",
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
	FatalLevel: "FATAL",
	PanicLevel: "PANIC",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

var (
	mu      sync.RWMutex
	current = InfoLevel
	std     = log.New(os.Stderr, "", log.LstdFlags)
)

// ParseLevel converts a level name into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TraceLevel, nil
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	case "panic":
		return PanicLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q: must be one of trace, debug, info, warn, error, fatal, panic", s)
	}
}

// SetLevel sets the minimum level that is written.
func SetLevel(l Level) {
	mu.Lock()
	current = l
	mu.Unlock()
}

// GetLevel returns the active level.
func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetOutput redirects log output, mainly for tests and the stdio MCP server
// which must keep stdout clean.
func SetOutput(w io.Writer) {
	mu.Lock()
	std.SetOutput(w)
	mu.Unlock()
}

func enabled(l Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return l >= current
}

func output(l Level, format string, args ...any) {
	if !enabled(l) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	_ = std.Output(3, "["+l.String()+"] "+msg)
}

func Trace(format string, args ...any) { output(TraceLevel, format, args...) }
func Debug(format string, args ...any) { output(DebugLevel, format, args...) }
func Info(format string, args ...any)  { output(InfoLevel, format, args...) }
func Warn(format string, args ...any)  { output(WarnLevel, format, args...) }
func Error(format string, args ...any) { output(ErrorLevel, format, args...) }

// Fatal logs and exits the process.
func Fatal(format string, args ...any) {
	output(FatalLevel, format, args...)
	os.Exit(1)
}
