// Package logging provides structured logging for the offline sync engine.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel maps a config string ("debug", "INFO", ...) to a LogLevel.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger provides structured JSON logging on top of logrus.
type Logger struct {
	base   *logrus.Logger
	out    io.Writer
	closer io.Closer

	mu       sync.RWMutex
	minLevel LogLevel
}

var (
	// global logger instance
	global atomic.Pointer[Logger]
	once   sync.Once
)

// New creates a logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(minLevel.logrus())
	base.SetFormatter(&entryFormatter{})
	return &Logger{base: base, out: out, minLevel: minLevel}
}

// FileOptions configures rotating file output.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewFile creates a logger writing to a rotating file. Call Close to release it.
func NewFile(opts FileOptions, minLevel LogLevel) *Logger {
	rotator := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	l := New(rotator, minLevel)
	l.closer = rotator
	return l
}

// Close releases the underlying file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Init initializes the global logger.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		global.Store(New(out, minLevel))
	})
}

// SetGlobal replaces the global logger. Hosts call it after loading config.
func SetGlobal(l *Logger) {
	once.Do(func() {})
	global.Store(l)
}

// SetLevel changes the minimum level of a live logger.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
	l.base.SetLevel(level.logrus())
}

// Level returns the minimum level.
func (l *Logger) Level() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.minLevel
}

// Setup installs the global logger for a host: stdout when file.Path is
// empty, a rotating file otherwise. The caller closes the returned logger.
func Setup(level string, file FileOptions) *Logger {
	var l *Logger
	if file.Path == "" {
		l = New(os.Stdout, ParseLevel(level))
	} else {
		l = NewFile(file, ParseLevel(level))
	}
	SetGlobal(l)
	return l
}

// Get returns the global logger instance.
func Get() *Logger {
	if l := global.Load(); l != nil {
		return l
	}
	Init(os.Stdout, LevelInfo)
	if l := global.Load(); l != nil {
		return l
	}
	// Init already ran and the logger was cleared with SetGlobal(nil).
	global.CompareAndSwap(nil, New(os.Stdout, LevelInfo))
	return global.Load()
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// entryFormatter renders logrus entries in the LogEntry layout.
type entryFormatter struct{}

const errorField = "__error"

func (f *entryFormatter) Format(e *logrus.Entry) ([]byte, error) {
	entry := LogEntry{
		Timestamp: e.Time.UTC().Format(time.RFC3339),
		Level:     levelName(e.Level),
		Message:   e.Message,
	}
	for k, v := range e.Data {
		if k == errorField {
			entry.Error = fmt.Sprint(v)
			continue
		}
		if entry.Context == nil {
			entry.Context = make(map[string]interface{}, len(e.Data))
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry.Context[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal log entry: %w", err)
	}
	return append(data, '\n'), nil
}

func levelName(l logrus.Level) string {
	switch l {
	case logrus.DebugLevel, logrus.TraceLevel:
		return string(LevelDebug)
	case logrus.InfoLevel:
		return string(LevelInfo)
	case logrus.WarnLevel:
		return string(LevelWarn)
	default:
		return string(LevelError)
	}
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	fields := make(logrus.Fields, len(context)+1)
	for k, v := range context {
		fields[k] = v
	}
	if err != nil {
		fields[errorField] = err.Error()
	}
	l.base.WithFields(fields).Log(level.logrus(), message)
}

// shouldLog checks if a level should be logged.
func (l *Logger) shouldLog(level LogLevel) bool {
	levels := map[LogLevel]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}

	return levels[level] >= levels[l.Level()]
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, nil, l.getContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, l.getContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, l.getContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, err, l.getContext(context...))
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	merged := l.getContext(append(context, map[string]interface{}{"error_code": code})...)
	l.log(LevelError, message, err, merged)
}

// getContext merges multiple context maps.
func (l *Logger) getContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
