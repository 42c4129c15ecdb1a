package kfmt

import (
	"io"
	"sync"
)

// Level controls which log messages reach the output sink.
type Level uint8

// The supported log levels, from least to most verbose.
const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var (
	logLevel = LevelInfo

	// logMu serializes writes from loggers; kernel/sync cannot be used here
	// because it panics through this package.
	logMu sync.Mutex

	levelTags = [...][]byte{
		LevelError: []byte("error: "),
		LevelWarn:  []byte("warning: "),
		LevelInfo:  nil,
		LevelDebug: []byte("debug: "),
		LevelTrace: []byte("trace: "),
	}
)

// SetLogLevel sets the most verbose level that loggers will emit.
func SetLogLevel(l Level) {
	logMu.Lock()
	logLevel = l
	logMu.Unlock()
}

// LogLevel returns the active log level.
func LogLevel() Level {
	logMu.Lock()
	defer logMu.Unlock()
	return logLevel
}

// Logger prefixes every line it writes with the name of the kernel module
// that owns it, for example "[vmm] ".
type Logger struct {
	w PrefixWriter
}

// NewLogger returns a logger for the named module.
func NewLogger(module string) *Logger {
	return &Logger{
		w: PrefixWriter{Prefix: []byte("[" + module + "] ")},
	}
}

// Errorf logs a message at LevelError.
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }

// Warnf logs a message at LevelWarn.
func (l *Logger) Warnf(format string, args ...interface{}) { l.logf(LevelWarn, format, args...) }

// Infof logs a message at LevelInfo.
func (l *Logger) Infof(format string, args ...interface{}) { l.logf(LevelInfo, format, args...) }

// Debugf logs a message at LevelDebug.
func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }

// Tracef logs a message at LevelTrace.
func (l *Logger) Tracef(format string, args ...interface{}) { l.logf(LevelTrace, format, args...) }

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	logMu.Lock()
	defer logMu.Unlock()

	if level > logLevel {
		return
	}

	l.w.Sink = activeSink()
	if tag := levelTags[level]; tag != nil {
		doWrite(&l.w, tag)
	}
	Fprintf(&l.w, format, args...)
	doWrite(&l.w, newLine)
}

var newLine = []byte("\n")

// activeSink returns the writer that Printf would currently use.
func activeSink() io.Writer {
	if outputSink != nil {
		return outputSink
	}
	return &earlyPrintBuffer
}
