// Package logger sets up the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps a zerolog.Logger whose output can be changed at runtime.
type Logger struct {
	logger zerolog.Logger
	mutex  sync.RWMutex
}

var consoleWriter = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

// NewLogger builds a console logger and installs it as the global logger.
func NewLogger(debug bool) *Logger {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	l := &Logger{}
	l.setOutput(consoleWriter)
	return l
}

// New is NewLogger plus an optional rotated log file.
func New(debug bool, file string) *Logger {
	l := NewLogger(debug)
	if file != "" {
		l.SetLogOutput(file)
	}
	return l
}

// GetLogger returns a child logger tagged with component.
func (l *Logger) GetLogger(component string) zerolog.Logger {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.logger.With().
		Str("component", component).
		Logger()
}

// SetLogOutput adds a rotated file next to the console output.
func (l *Logger) SetLogOutput(logFilePath string) {
	fileWriter := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	l.setOutput(zerolog.MultiLevelWriter(consoleWriter, fileWriter))
}

func (l *Logger) setOutput(w io.Writer) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.logger = zerolog.New(w).
		With().
		Timestamp().
		Caller().
		Logger()

	log.Logger = l.logger
}
