// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

// Package log implements the sentinel's logging on top of seelog. All other
// packages log through the exported functions so the backend can be swapped
// or silenced from a single place.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *SentinelLogger
	mu     sync.RWMutex
)

// SentinelLogger is a wrapper structure for seelog
type SentinelLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
}

// SetupLogger configures the logger singleton with a seelog interface
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}

	// The exported functions add one frame on top of the seelog call, skip
	// it so the caller's file/line shows up in the output.
	l.SetAdditionalStackDepth(2) //nolint:errcheck

	mu.Lock()
	logger = &SentinelLogger{inner: l, level: lvl}
	mu.Unlock()
}

// ChangeLogLevel changes the log level of the active logger
func ChangeLogLevel(level string) error {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return fmt.Errorf("unknown log level: %s", level)
	}
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		return fmt.Errorf("cannot change log level: logger not initialized")
	}
	logger.level = lvl
	return nil
}

func get() *SentinelLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func (l *SentinelLogger) shouldLog(level seelog.LogLevel) bool {
	return level >= l.level
}

// Trace logs at the trace level
func Trace(v ...interface{}) {
	if l := get(); l != nil && l.shouldLog(seelog.TraceLvl) {
		l.inner.Trace(v...)
	}
}

// Tracef logs with format at the trace level
func Tracef(format string, params ...interface{}) {
	if l := get(); l != nil && l.shouldLog(seelog.TraceLvl) {
		l.inner.Tracef(format, params...)
	}
}

// Debug logs at the debug level
func Debug(v ...interface{}) {
	if l := get(); l != nil && l.shouldLog(seelog.DebugLvl) {
		l.inner.Debug(v...)
	}
}

// Debugf logs with format at the debug level
func Debugf(format string, params ...interface{}) {
	if l := get(); l != nil && l.shouldLog(seelog.DebugLvl) {
		l.inner.Debugf(format, params...)
	}
}

// Info logs at the info level
func Info(v ...interface{}) {
	if l := get(); l != nil && l.shouldLog(seelog.InfoLvl) {
		l.inner.Info(v...)
	}
}

// Infof logs with format at the info level
func Infof(format string, params ...interface{}) {
	if l := get(); l != nil && l.shouldLog(seelog.InfoLvl) {
		l.inner.Infof(format, params...)
	}
}

// Warn logs at the warn level and returns an error containing the formated log message
func Warn(v ...interface{}) error {
	err := fmt.Errorf("%s", fmt.Sprint(v...))
	if l := get(); l != nil && l.shouldLog(seelog.WarnLvl) {
		l.inner.Warn(v...) //nolint:errcheck
	} else if l == nil {
		fmt.Fprintf(os.Stderr, "WARN | %s\n", err)
	}
	return err
}

// Warnf logs with format at the warn level and returns an error containing the formated log message
func Warnf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if l := get(); l != nil && l.shouldLog(seelog.WarnLvl) {
		l.inner.Warnf(format, params...) //nolint:errcheck
	} else if l == nil {
		fmt.Fprintf(os.Stderr, "WARN | %s\n", err)
	}
	return err
}

// Error logs at the error level and returns an error containing the formated log message
func Error(v ...interface{}) error {
	err := fmt.Errorf("%s", fmt.Sprint(v...))
	if l := get(); l != nil && l.shouldLog(seelog.ErrorLvl) {
		l.inner.Error(v...) //nolint:errcheck
	} else if l == nil {
		fmt.Fprintf(os.Stderr, "ERROR | %s\n", err)
	}
	return err
}

// Errorf logs with format at the error level and returns an error containing the formated log message
func Errorf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if l := get(); l != nil && l.shouldLog(seelog.ErrorLvl) {
		l.inner.Errorf(format, params...) //nolint:errcheck
	} else if l == nil {
		fmt.Fprintf(os.Stderr, "ERROR | %s\n", err)
	}
	return err
}

// Critical logs at the critical level and returns an error containing the formated log message
func Critical(v ...interface{}) error {
	err := fmt.Errorf("%s", fmt.Sprint(v...))
	if l := get(); l != nil {
		l.inner.Critical(v...) //nolint:errcheck
	} else {
		fmt.Fprintf(os.Stderr, "CRITICAL | %s\n", err)
	}
	return err
}

// Criticalf logs with format at the critical level and returns an error containing the formated log message
func Criticalf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if l := get(); l != nil {
		l.inner.Criticalf(format, params...) //nolint:errcheck
	} else {
		fmt.Fprintf(os.Stderr, "CRITICAL | %s\n", err)
	}
	return err
}

// Flush flushes the underlying inner log
func Flush() {
	if l := get(); l != nil {
		l.inner.Flush()
	}
}
