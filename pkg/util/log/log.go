// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package log implements the logging used across the monitor, registry
// and runner. It is a thin wrapper around seelog that buffers records
// emitted before setup and scrubs credentials from every line.
package log

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *wrappedLogger

	// Records sent before Setup are buffered and replayed once the
	// logger exists. Setup happens right after config load, so this
	// buffer is short lived.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 3
)

type wrappedLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// Setup configures the package-level logger from a seelog interface and
// a level name, then replays any buffered records.
func Setup(l seelog.LoggerInterface, level string) {
	logger = &wrappedLogger{inner: l}

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger.level = lvl

	// The exported helpers add frames between the caller and the
	// seelog call that must be skipped to report the right file:line.
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	bufferLogsBeforeInit = false
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

// SetupConsole configures a plain console logger. Used by the CLI entry
// points and by tests that want visible output.
func SetupConsole(level string) error {
	l, err := seelog.LoggerFromWriterWithMinLevelAndFormat(
		os.Stderr, seelog.TraceLvl,
		"%Date(2006-01-02 15:04:05 MST) | %LEVEL | (%ShortFilePath:%Line in %FuncShort) | %Msg%n")
	if err != nil {
		return err
	}
	Setup(l, level)
	return nil
}

// ChangeLogLevel updates the minimum level on the running logger.
func ChangeLogLevel(level string) error {
	if logger == nil || logger.inner == nil {
		return errors.New("cannot change level for uninitialized logger")
	}
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	logger.l.Lock()
	defer logger.l.Unlock()
	logger.level = lvl
	return nil
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	logsBuffer = append(logsBuffer, logHandle)
}

func (sw *wrappedLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	ok := level >= sw.level
	sw.l.RUnlock()
	return ok
}

func (sw *wrappedLogger) trace(s string) {
	sw.l.Lock()
	defer sw.l.Unlock()
	sw.inner.Trace(scrub(s))
}

func (sw *wrappedLogger) debug(s string) {
	sw.l.Lock()
	defer sw.l.Unlock()
	sw.inner.Debug(scrub(s))
}

func (sw *wrappedLogger) info(s string) {
	sw.l.Lock()
	defer sw.l.Unlock()
	sw.inner.Info(scrub(s))
}

func (sw *wrappedLogger) warn(s string) error {
	sw.l.Lock()
	defer sw.l.Unlock()
	return sw.inner.Warn(scrub(s))
}

func (sw *wrappedLogger) error(s string) error {
	sw.l.Lock()
	defer sw.l.Unlock()
	return sw.inner.Error(scrub(s))
}

func (sw *wrappedLogger) critical(s string) error {
	sw.l.Lock()
	defer sw.l.Unlock()
	return sw.inner.Critical(scrub(s))
}

func formatError(v ...interface{}) error {
	return errors.New(scrub(fmt.Sprint(v...)))
}

func formatErrorf(format string, params ...interface{}) error {
	return errors.New(scrub(fmt.Sprintf(format, params...)))
}

// Trace logs at the trace level.
func Trace(v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.TraceLvl) {
		logger.trace(fmt.Sprint(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Trace(v...) })
	}
}

// Tracef logs with format at the trace level.
func Tracef(format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.TraceLvl) {
		logger.trace(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Tracef(format, params...) })
	}
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.DebugLvl) {
		logger.debug(fmt.Sprint(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Debug(v...) })
	}
}

// Debugf logs with format at the debug level.
func Debugf(format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.DebugLvl) {
		logger.debug(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Debugf(format, params...) })
	}
}

// Info logs at the info level.
func Info(v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.InfoLvl) {
		logger.info(fmt.Sprint(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Info(v...) })
	}
}

// Infof logs with format at the info level.
func Infof(format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.InfoLvl) {
		logger.info(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Infof(format, params...) })
	}
}

// Warn logs at the warn level and returns an error with the same message.
func Warn(v ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.WarnLvl) {
		logger.warn(fmt.Sprint(v...)) //nolint:errcheck
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Warn(v...) }) //nolint:errcheck
	}
	return formatError(v...)
}

// Warnf logs with format at the warn level and returns an error with the
// same message.
func Warnf(format string, params ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.WarnLvl) {
		logger.warn(fmt.Sprintf(format, params...)) //nolint:errcheck
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Warnf(format, params...) }) //nolint:errcheck
	}
	return formatErrorf(format, params...)
}

// Error logs at the error level and returns an error with the same message.
func Error(v ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.ErrorLvl) {
		logger.error(fmt.Sprint(v...)) //nolint:errcheck
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Error(v...) }) //nolint:errcheck
	}
	return formatError(v...)
}

// Errorf logs with format at the error level and returns an error with
// the same message.
func Errorf(format string, params ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.ErrorLvl) {
		logger.error(fmt.Sprintf(format, params...)) //nolint:errcheck
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Errorf(format, params...) }) //nolint:errcheck
	}
	return formatErrorf(format, params...)
}

// Critical logs at the critical level and returns an error with the same
// message.
func Critical(v ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.CriticalLvl) {
		logger.critical(fmt.Sprint(v...)) //nolint:errcheck
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Critical(v...) }) //nolint:errcheck
	}
	return formatError(v...)
}

// Criticalf logs with format at the critical level and returns an error
// with the same message.
func Criticalf(format string, params ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.CriticalLvl) {
		logger.critical(fmt.Sprintf(format, params...)) //nolint:errcheck
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Criticalf(format, params...) }) //nolint:errcheck
	}
	return formatErrorf(format, params...)
}

// Flush flushes the underlying logger.
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}
