package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Logger is an interface that has the ability to hide debug/info
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Printf(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsInfoEnabled() bool
	IsDebugEnabled() bool
}

// Progress is an interface to track progress over a known number of
// items for long-running operations.
type Progress interface {
	Increment(n int64)
	Finish(success bool)
}

// ProgressReporter is an interface that contains the ability to create a Progress object.
type ProgressReporter interface {
	NewProgress(label string, units string, total int64) Progress
}

// View is an interface that contains a logger and the ability to create progress objects
type View interface {
	Logger
	ProgressReporter
}

// CLI is a generic object setup for logging to terminal outputs
type CLI struct {
	DisableColors bool
	DisableTTY    bool
	IsDebug       bool
	IsVerbose     bool

	lock      sync.Mutex
	container *mpb.Progress
}

// Debugf is a wrapper function that executes logrus.Tracef if debug is enabled.
func (log *CLI) Debugf(format string, x ...interface{}) {
	if log.IsDebug {
		logrus.Tracef(format, x...)
	}
}

// Errorf is a wrapper function that executes logrus.Errorf
func (log *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

// Infof is a wrapper function that executes logrus.Debugf only if verbose is enabled.
func (log *CLI) Infof(format string, x ...interface{}) {
	if log.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

// Printf is a wrapper function that executes logrus.Printf
func (log *CLI) Printf(format string, x ...interface{}) {
	logrus.Printf(format, x...)
}

// Warnf is a wrapper function that executes logrus.Warnf
func (log *CLI) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

// Format implements logrus.Formatter so the CLI can render log lines
// as plain colored text.
func (log *CLI) Format(entry *logrus.Entry) ([]byte, error) {

	faint := color.New(color.Faint).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()

	x := entry.Message
	if !log.DisableColors {
		switch entry.Level {
		case logrus.TraceLevel:
			x = faint(x)
		case logrus.DebugLevel:
			x = blue(x)
		case logrus.WarnLevel:
			x = yellow(x)
		case logrus.ErrorLevel:
			x = red(x)
		}
	}

	return []byte(fmt.Sprintf("%s\n", x)), nil
}

// IsInfoEnabled returns whether InfoLevel logging is enabled
func (log *CLI) IsInfoEnabled() bool {
	return logrus.IsLevelEnabled(logrus.InfoLevel)
}

// IsDebugEnabled returns whether DebugLevel logging is enabled
func (log *CLI) IsDebugEnabled() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}

// NewProgress creates a progress object and returns
func (log *CLI) NewProgress(label string, units string, total int64) Progress {

	if log.DisableTTY {
		return &nilProgress{}
	}

	log.lock.Lock()
	defer log.lock.Unlock()

	if log.container == nil {
		log.container = mpb.New(mpb.WithOutput(os.Stderr), mpb.WithWidth(80))
	}

	bar := log.container.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(label+" "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(decor.Percentage()),
		mpb.BarRemoveOnComplete(),
	)

	return &cliProgress{bar: bar, total: total}
}

type cliProgress struct {
	bar   *mpb.Bar
	total int64
}

func (p *cliProgress) Increment(n int64) {
	p.bar.IncrInt64(n)
}

func (p *cliProgress) Finish(success bool) {
	if success {
		p.bar.SetTotal(p.total, true)
		return
	}
	p.bar.Abort(true)
}

type nilProgress struct {
}

func (p *nilProgress) Increment(n int64) {
}

func (p *nilProgress) Finish(success bool) {
}

// NilView discards all output. Library code takes it as the default
// view when the caller does not care about logging.
type NilView struct {
}

func (v *NilView) Debugf(format string, x ...interface{}) {}
func (v *NilView) Errorf(format string, x ...interface{}) {}
func (v *NilView) Infof(format string, x ...interface{})  {}
func (v *NilView) Printf(format string, x ...interface{}) {}
func (v *NilView) Warnf(format string, x ...interface{})  {}
func (v *NilView) IsInfoEnabled() bool                    { return false }
func (v *NilView) IsDebugEnabled() bool                   { return false }

func (v *NilView) NewProgress(label string, units string, total int64) Progress {
	return &nilProgress{}
}
