package logs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	INFO  Level = "INFO"
	WARN  Level = "WARN"
	ERROR Level = "ERROR"
	DEBUG Level = "DEBUG"
)

// levelPriority defines the priority of each log level
// higher value= more severe
var levelPriority = map[Level]int{
	DEBUG: 1,
	INFO:  2,
	WARN:  3,
	ERROR: 4,
}

// ParseLevel converts a string to a Level, defaulting to INFO
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

type Entry struct {
	TimeStamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

// Logger records the last maxSize entries in memory and writes every entry
// that passes the level filter through zap.
type Logger struct {
	mu      sync.Mutex
	entries []Entry
	maxSize int
	level   Level

	zl    *zap.Logger
	zlvl  zap.AtomicLevel
	clock func() time.Time
}

type Option func(*options)

type options struct {
	out  io.Writer
	name string
}

// WithOutput sends zap output to w instead of stderr.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithName sets the zap logger name.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// level: minimum log level to record(e.g., INFO, WARN, ERROR,DEBUG)
//
// maxsize:maximum number of log entries kept in memory
func NewLogger(maxSize int, level Level, opts ...Option) *Logger {
	o := options{out: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	zlvl := zap.NewAtomicLevelAt(toZapLevel(level))
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(o.out),
		zlvl,
	)
	zl := zap.New(core)
	if o.name != "" {
		zl = zl.Named(o.name)
	}

	return &Logger{
		entries: make([]Entry, 0, maxSize),
		maxSize: maxSize,
		level:   level,
		zl:      zl,
		zlvl:    zlvl,
		clock:   time.Now,
	}
}

// Discard returns a logger that keeps history but writes nowhere.
func Discard() *Logger {
	return NewLogger(100, INFO, WithOutput(io.Discard))
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
	l.zlvl.SetLevel(toZapLevel(level))
}

// Level returns the current minimum level.
func (l *Logger) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// log applies level filtering and ring buffer behavior, then hands the entry to zap
func (l *Logger) log(level Level, msg string, fields []Field) {
	l.mu.Lock()
	if levelPriority[level] < levelPriority[l.level] {
		l.mu.Unlock()
		return
	}

	if l.maxSize > 0 {
		if len(l.entries) >= l.maxSize {
			//remove oldest entry(ring behavior)
			l.entries = l.entries[1:]
		}
		l.entries = append(l.entries, Entry{
			TimeStamp: l.clock(),
			Level:     level,
			Message:   msg,
		})
	}
	l.mu.Unlock()

	zf := toZapFields(fields)
	switch level {
	case DEBUG:
		l.zl.Debug(msg, zf...)
	case INFO:
		l.zl.Info(msg, zf...)
	case WARN:
		l.zl.Warn(msg, zf...)
	case ERROR:
		l.zl.Error(msg, zf...)
	}
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.log(DEBUG, msg, fields)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.log(INFO, msg, fields)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.log(WARN, msg, fields)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.log(ERROR, msg, fields)
}

func (l *Logger) GetLast(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > len(l.entries) {
		out := make([]Entry, len(l.entries))
		copy(out, l.entries)
		return out
	}

	start := len(l.entries) - n
	out := make([]Entry, n)
	copy(out, l.entries[start:])
	return out
}

// Sync flushes buffered zap output.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
