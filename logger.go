package mbclient

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel type defines the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelNone // Disables logging
)

// LevelToString maps LogLevel to its string representation.
var LevelToString = map[LogLevel]string{
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
	LevelNone:    "NONE",
}

// StringToLevel maps string representation of LogLevel to its value.
var StringToLevel = map[string]LogLevel{
	"DEBUG":   LevelDebug,
	"INFO":    LevelInfo,
	"WARNING": LevelWarning,
	"ERROR":   LevelError,
	"NONE":    LevelNone,
}

// SimpleLogger writes timestamped, level-filtered log lines to an
// io.Writer. The zero level logs everything; LevelNone disables output.
type SimpleLogger struct {
	mu         sync.Mutex
	level      LogLevel
	output     io.Writer
	timeFormat string
	prefix     string
}

// NewSimpleLogger creates a new SimpleLogger instance.
// If output is nil, it defaults to os.Stdout.
func NewSimpleLogger(output io.Writer, level LogLevel, prefix string) *SimpleLogger {
	if output == nil {
		output = os.Stdout
	}
	return &SimpleLogger{
		level:      level,
		output:     output,
		timeFormat: time.RFC3339,
		prefix:     prefix,
	}
}

// SetLevel sets the logging level of the SimpleLogger.
func (l *SimpleLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level of the SimpleLogger.
func (l *SimpleLogger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetLevelFromString sets the logging level from a string representation (e.g., "DEBUG").
func (l *SimpleLogger) SetLevelFromString(levelStr string) error {
	levelStrUpper := strings.ToUpper(levelStr)
	if level, ok := StringToLevel[levelStrUpper]; ok {
		l.SetLevel(level)
		return nil
	}
	return fmt.Errorf("invalid log level: %s. Available levels: %v", levelStr, getAvailableLevels())
}

func getAvailableLevels() []string {
	levels := make([]string, 0, len(StringToLevel))
	for levelStr := range StringToLevel {
		levels = append(levels, levelStr)
	}
	return levels
}

// Debugf logs a message at LevelDebug.
func (l *SimpleLogger) Debugf(format string, args ...interface{}) {
	l.logf(LevelDebug, format, args...)
}

// Infof logs a message at LevelInfo.
func (l *SimpleLogger) Infof(format string, args ...interface{}) {
	l.logf(LevelInfo, format, args...)
}

// Warnf logs a message at LevelWarning.
func (l *SimpleLogger) Warnf(format string, args ...interface{}) {
	l.logf(LevelWarning, format, args...)
}

// Errorf logs a message at LevelError.
func (l *SimpleLogger) Errorf(format string, args ...interface{}) {
	l.logf(LevelError, format, args...)
}

func (l *SimpleLogger) logf(level LogLevel, format string, args ...interface{}) {
	if level < l.GetLevel() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	timestamp := time.Now().Format(l.timeFormat)
	message := strings.TrimSpace(fmt.Sprintf(format, args...))
	fmt.Fprintf(l.output, "%s [%s] <%s> %s\n", timestamp, LevelToString[level], l.prefix, message)
}

// Close closes the underlying output if it is a closer other than os.Stdout.
func (l *SimpleLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if closer, ok := l.output.(io.Closer); ok && l.output != os.Stdout {
		return closer.Close()
	}
	return nil
}
