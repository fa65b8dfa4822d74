// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

// Package log implements the agent logging on top of seelog.
package log

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *agentLogger

	// This buffer holds log lines sent to the logger before its
	// initialization. The logger is set up early, but config loading and
	// env override resolution happen first and may want to log.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 3
)

// agentLogger is a wrapper structure for seelog
type agentLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupLogger configures the logger singleton with a seelog interface
func SetupLogger(l seelog.LoggerInterface, level string) {
	logger = &agentLogger{
		inner: l,
	}

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger.level = lvl

	// We're not going to call the inner logger directly, but through the
	// exported functions, that will give us two frames in the stack
	// trace that should be skipped to get to the original caller.
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	// Flushing logs since the logger is now initialized
	bufferMutex.Lock()
	bufferLogsBeforeInit = false
	defer bufferMutex.Unlock()
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

// ChangeLogLevel changes the current log level. Valid levels are trace,
// debug, info, warn, error, critical and off.
func ChangeLogLevel(level string) error {
	if logger == nil || logger.inner == nil {
		return errors.New("cannot change log level: logger not initialized")
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

func (sw *agentLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	shouldLog := level >= sw.level
	sw.l.RUnlock()

	return shouldLog
}

func buildLogEntry(v ...interface{}) string {
	var fmtBuffer bytes.Buffer

	for i := 0; i < len(v)-1; i++ {
		fmtBuffer.WriteString("%v ")
	}
	fmtBuffer.WriteString("%v")

	return fmt.Sprintf(fmtBuffer.String(), v...)
}

func logDispatch(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string), v ...interface{}) {
	bufferMutex.Lock()
	buffer := bufferLogsBeforeInit
	bufferMutex.Unlock()

	switch {
	case buffer && (logger == nil || logger.inner == nil):
		addLogToBuffer(bufferFunc)
	case logger == nil || logger.inner == nil:
		// logger disabled, drop the line
	case logger.shouldLog(logLevel):
		logger.l.RLock()
		logFunc(buildLogEntry(v...))
		logger.l.RUnlock()
	}
}

func logFormatDispatch(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string, ...interface{}), format string, params ...interface{}) {
	bufferMutex.Lock()
	buffer := bufferLogsBeforeInit
	bufferMutex.Unlock()

	switch {
	case buffer && (logger == nil || logger.inner == nil):
		addLogToBuffer(bufferFunc)
	case logger == nil || logger.inner == nil:
	case logger.shouldLog(logLevel):
		logger.l.RLock()
		logFunc(format, params...)
		logger.l.RUnlock()
	}
}

// Trace logs at the trace level
func Trace(v ...interface{}) {
	logDispatch(seelog.TraceLvl, func() { Trace(v...) }, func(s string) { logger.inner.Trace(s) }, v...)
}

// Tracef logs with format at the trace level
func Tracef(format string, params ...interface{}) {
	logFormatDispatch(seelog.TraceLvl, func() { Tracef(format, params...) }, func(f string, p ...interface{}) { logger.inner.Tracef(f, p...) }, format, params...)
}

// Debug logs at the debug level
func Debug(v ...interface{}) {
	logDispatch(seelog.DebugLvl, func() { Debug(v...) }, func(s string) { logger.inner.Debug(s) }, v...)
}

// Debugf logs with format at the debug level
func Debugf(format string, params ...interface{}) {
	logFormatDispatch(seelog.DebugLvl, func() { Debugf(format, params...) }, func(f string, p ...interface{}) { logger.inner.Debugf(f, p...) }, format, params...)
}

// Info logs at the info level
func Info(v ...interface{}) {
	logDispatch(seelog.InfoLvl, func() { Info(v...) }, func(s string) { logger.inner.Info(s) }, v...)
}

// Infof logs with format at the info level
func Infof(format string, params ...interface{}) {
	logFormatDispatch(seelog.InfoLvl, func() { Infof(format, params...) }, func(f string, p ...interface{}) { logger.inner.Infof(f, p...) }, format, params...)
}

// Warn logs at the warn level
func Warn(v ...interface{}) {
	logDispatch(seelog.WarnLvl, func() { Warn(v...) }, func(s string) { logger.inner.Warn(s) }, v...) //nolint:errcheck
}

// Warnf logs with format at the warn level
func Warnf(format string, params ...interface{}) {
	logFormatDispatch(seelog.WarnLvl, func() { Warnf(format, params...) }, func(f string, p ...interface{}) { logger.inner.Warnf(f, p...) }, format, params...) //nolint:errcheck
}

// Error logs at the error level
func Error(v ...interface{}) {
	logDispatch(seelog.ErrorLvl, func() { Error(v...) }, func(s string) { logger.inner.Error(s) }, v...) //nolint:errcheck
}

// Errorf logs with format at the error level
func Errorf(format string, params ...interface{}) {
	logFormatDispatch(seelog.ErrorLvl, func() { Errorf(format, params...) }, func(f string, p ...interface{}) { logger.inner.Errorf(f, p...) }, format, params...) //nolint:errcheck
}

// Critical logs at the critical level
func Critical(v ...interface{}) {
	logDispatch(seelog.CriticalLvl, func() { Critical(v...) }, func(s string) { logger.inner.Critical(s) }, v...) //nolint:errcheck
}

// Criticalf logs with format at the critical level
func Criticalf(format string, params ...interface{}) {
	logFormatDispatch(seelog.CriticalLvl, func() { Criticalf(format, params...) }, func(f string, p ...interface{}) { logger.inner.Criticalf(f, p...) }, format, params...) //nolint:errcheck
}

// Flush flushes the underlying inner log
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}
