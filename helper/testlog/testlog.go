// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates hclog loggers backed by testing.T to ease logging
// in tests.
package testlog

import (
	"io"
	"log"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// UseStdout returns true when TACHYON_TEST_STDOUT=1 and test logs should go
// to stdout instead of stderr.
func UseStdout() bool {
	return os.Getenv("TACHYON_TEST_STDOUT") == "1"
}

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// NewWriter creates a new io.Writer for use by a test logger.
func NewWriter(t LogPrinter) io.Writer {
	if UseStdout() {
		return os.Stdout
	}
	return os.Stderr
}

// New returns a new test logger. See https://golang.org/pkg/log/#New
func New(t LogPrinter, prefix string, flag int) *log.Logger {
	return log.New(NewWriter(t), prefix, flag)
}

// HCLoggerTestLevel returns the level at which the test logger should emit
// logs, TRACE unless overridden by TACHYON_TEST_LOG_LEVEL.
func HCLoggerTestLevel() hclog.Level {
	level := hclog.Trace
	if env := os.Getenv("TACHYON_TEST_LOG_LEVEL"); env != "" {
		level = hclog.LevelFromString(env)
	}
	return level
}

// HCLogger returns a new test logger.
func HCLogger(t LogPrinter) hclog.InterceptLogger {
	var output io.Writer = os.Stderr
	if UseStdout() {
		output = os.Stdout
	}

	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Level:           HCLoggerTestLevel(),
		Output:          output,
		IncludeLocation: true,
	})
}
