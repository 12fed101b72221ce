// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 The pressure-vessel-runtimecomp authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package logger is the package-level logging indirection used by every
// other package in this module. Nobody outside this package imports a
// concrete logging backend; the default backend writes to standard error,
// and SetLogger replaces it.
package logger

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Logger is the minimal interface every backend must satisfy.
type Logger interface {
	Debug(msg string)
	Notice(msg string)
}

type nullLogger struct{}

func (nullLogger) Debug(string)  {}
func (nullLogger) Notice(string) {}

// stdLogger adapts the stdlib *log.Logger, mirroring how the teacher wires
// its logger package to os.Stderr by default.
type stdLogger struct {
	debug bool
	log   *log.Logger
}

func (l *stdLogger) Debug(msg string) {
	if l.debug {
		l.log.Output(3, "DEBUG: "+msg)
	}
}

func (l *stdLogger) Notice(msg string) {
	l.log.Output(3, msg)
}

var (
	mu  sync.Mutex
	cur Logger = &stdLogger{
		debug: os.Getenv("PRESSURE_VESSEL_DEBUG") != "",
		log:   log.New(os.Stderr, "", log.LstdFlags),
	}
)

// SetLogger installs a new backend and returns the previous one so callers
// can restore it later.
func SetLogger(l Logger) Logger {
	mu.Lock()
	defer mu.Unlock()
	old := cur
	cur = l
	return old
}

// MockLogger installs a backend that discards both Debug and Notice
// messages and returns a restore function, in the same restore-closure
// shape as the rest of this module's Mock* test helpers.
func MockLogger() (restore func()) {
	old := SetLogger(&nullLogger{})
	return func() { SetLogger(old) }
}

func get() Logger {
	mu.Lock()
	defer mu.Unlock()
	return cur
}

// Debugf logs a low-priority diagnostic message, visible only when the
// installed backend has debugging enabled.
func Debugf(format string, args ...interface{}) {
	get().Debug(fmt.Sprintf(format, args...))
}

// Noticef logs a message the operator should see: warnings the spec calls
// "logged, not fatal" (skipped architectures, per-library capture
// failures, ICD manifest errors, locale-gen non-zero exit).
func Noticef(format string, args ...interface{}) {
	get().Notice(fmt.Sprintf(format, args...))
}
