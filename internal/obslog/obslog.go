// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package obslog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Logger wraps the standard log package with a broadcast channel so
// operators can tail ingestion/search activity live, the way the-hive's
// logger streamed console output to connected drones.
type Logger struct {
	logger      *log.Logger
	broadcast   chan string
	subscribers map[chan string]bool
	subMu       sync.RWMutex
	mu          sync.RWMutex
	closed      bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the default logger, writing to both stdout and w (if
// non-nil, e.g. a log file). Subsequent calls return the existing instance.
func Init(w io.Writer) *Logger {
	once.Do(func() {
		defaultLogger = newLogger(w)
	})
	return defaultLogger
}

func newLogger(w io.Writer) *Logger {
	var out io.Writer = os.Stdout
	if w != nil {
		out = io.MultiWriter(os.Stdout, w)
	}
	l := &Logger{
		logger:      log.New(out, "", log.LstdFlags),
		broadcast:   make(chan string, 256),
		subscribers: make(map[chan string]bool),
	}
	go l.broadcastLoop()
	return l
}

// Default returns the process-wide logger, creating a stdout-only one on
// first use if Init was never called.
func Default() *Logger {
	if defaultLogger == nil {
		once.Do(func() {
			defaultLogger = newLogger(nil)
		})
	}
	return defaultLogger
}

// Subscribe returns a channel that receives every subsequent log line.
func (l *Logger) Subscribe() chan string {
	ch := make(chan string, 16)
	l.subMu.Lock()
	l.subscribers[ch] = true
	l.subMu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (l *Logger) Unsubscribe(ch chan string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if l.subscribers[ch] {
		delete(l.subscribers, ch)
		close(ch)
	}
}

func (l *Logger) broadcastLoop() {
	for line := range l.broadcast {
		l.subMu.RLock()
		for ch := range l.subscribers {
			select {
			case ch <- line:
			default:
			}
		}
		l.subMu.RUnlock()
	}
}

func (l *Logger) emit(level, format string, v ...interface{}) {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return
	}

	msg := fmt.Sprintf(format, v...)
	line := fmt.Sprintf("[%s] %s", level, msg)
	l.logger.Output(3, line)

	select {
	case l.broadcast <- fmt.Sprintf("%s [%s] %s", time.Now().Format(time.RFC3339), level, msg):
	default:
	}
}

func (l *Logger) Infof(format string, v ...interface{})  { l.emit("INFO", format, v...) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.emit("WARN", format, v...) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.emit("ERROR", format, v...) }
func (l *Logger) Debugf(format string, v ...interface{}) { l.emit("DEBUG", format, v...) }

// Close stops the broadcaster. Safe to call once.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.broadcast)
}

// Package-level convenience wrappers over Default().
func Infof(format string, v ...interface{})  { Default().Infof(format, v...) }
func Warnf(format string, v ...interface{})  { Default().Warnf(format, v...) }
func Errorf(format string, v ...interface{}) { Default().Errorf(format, v...) }
func Debugf(format string, v ...interface{}) { Default().Debugf(format, v...) }
