// Package logger wraps zap for structured logging.
package logger

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultLogFile = "m2sync.log"

var (
	mu      sync.Mutex
	log     *zap.Logger
	file    *os.File
	logFile = defaultLogFile
	level   = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// SetLogPath sets the JSON log file used by the next InitLogger.
func SetLogPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		path = defaultLogFile
	}
	logFile = path
}

// SetLevel changes the level of the console and file outputs. It can be
// called before or after initialization.
func SetLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	level.SetLevel(l)
	return nil
}

// InitLogger initializes the logger with a console output on stdout and a JSON
// output on the log file. Calling it again is a no-op until ResetLogger.
func InitLogger() {
	mu.Lock()
	defer mu.Unlock()
	if log != nil {
		return
	}

	consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), level)

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log = zap.New(consoleCore, zap.AddCaller())
		log.Warn("Log file unavailable, logging to console only", zap.String("path", logFile), zap.Error(err))
		return
	}
	file = f

	fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	fileCore := zapcore.NewCore(fileEncoder, zapcore.AddSync(f), level)

	log = zap.New(zapcore.NewTee(consoleCore, fileCore), zap.AddCaller())
}

// GetLogger returns the process logger, initializing it on first use.
func GetLogger() *zap.Logger {
	mu.Lock()
	l := log
	mu.Unlock()
	if l != nil {
		return l
	}
	InitLogger()
	mu.Lock()
	defer mu.Unlock()
	return log
}

// Sync flushes buffered log entries.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if log != nil {
		_ = log.Sync()
	}
}

// ResetLogger closes the log file and forgets the logger.
func ResetLogger() {
	mu.Lock()
	defer mu.Unlock()
	if log != nil {
		_ = log.Sync()
	}
	if file != nil {
		_ = file.Close()
	}
	log = nil
	file = nil
	logFile = defaultLogFile
	level.SetLevel(zap.InfoLevel)
}
