package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logf is the printf-style sink handed to components that only need to
// emit diagnostic lines.
type Logf func(format string, args ...interface{})

// Nop discards everything.
func Nop(string, ...interface{}) {}

// OrNop returns logf, or Nop when logf is nil.
func OrNop(logf Logf) Logf {
	if logf == nil {
		return Nop
	}
	return logf
}

type Logger struct {
	mu     sync.Mutex
	closer io.Closer
	logger *log.Logger
	debug  bool
}

// New opens (appending) a log file, creating its directory if needed.
func New(path string) (*Logger, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	l := NewWriter(file)
	l.closer = file
	return l, nil
}

// NewWriter logs to w. Used by workers, whose logs are collected from stderr.
func NewWriter(w io.Writer) *Logger {
	return &Logger{
		logger: log.New(w, "", 0),
		debug:  debugEnabled(),
	}
}

func debugEnabled() bool {
	debugEnv := os.Getenv("RELAYD_DEBUG")
	return debugEnv == "debug" || debugEnv == "trace"
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer != nil {
		err := l.closer.Close()
		l.closer = nil
		return err
	}
	return nil
}

func (l *Logger) log(level, msg string) {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	l.logger.Printf("[%s] %s: %s", timestamp, level, msg)
}

func (l *Logger) Info(msg string) {
	l.log("INFO", msg)
}

func (l *Logger) Warn(msg string) {
	l.log("WARN", msg)
}

func (l *Logger) Error(msg string) {
	l.log("ERROR", msg)
}

func (l *Logger) Debug(msg string) {
	if l.debug {
		l.log("DEBUG", msg)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// Logf returns the logger's Infof as a Logf, tolerating a nil logger.
func (l *Logger) Logf() Logf {
	if l == nil {
		return Nop
	}
	return l.Infof
}

func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/relayd.log"
	}
	return filepath.Join(home, ".relayd", "relayd.log")
}
