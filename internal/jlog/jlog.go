// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package jlog is the parser's ambient logging helper. It wraps logrus the
// same way the teacher repo wraps its own log package: a thin Helper with
// leveled Printf-style methods, constructed once per session and threaded
// through every component that can fail non-fatally.
package jlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Helper is a leveled logger passed to every parser component. A nil
// *Helper is valid and discards everything, so components never need a nil
// check before logging.
type Helper struct {
	entry *logrus.Entry
}

// New builds a Helper around a fresh logrus.Logger writing to stderr at the
// given level.
func New(level logrus.Level) *Helper {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Helper{entry: logrus.NewEntry(l)}
}

// NewDiscard builds a Helper that drops everything. Used as the default
// when the caller doesn't supply a logger.
func NewDiscard() *Helper {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.PanicLevel)
	return &Helper{entry: logrus.NewEntry(l)}
}

// With returns a Helper with additional structured fields attached, mirroring
// the chunk/session context a parse error should carry.
func (h *Helper) With(fields logrus.Fields) *Helper {
	if h == nil {
		return nil
	}
	return &Helper{entry: h.entry.WithFields(fields)}
}

func (h *Helper) Debugf(format string, args ...any) {
	if h == nil {
		return
	}
	h.entry.Debugf(format, args...)
}

func (h *Helper) Infof(format string, args ...any) {
	if h == nil {
		return
	}
	h.entry.Infof(format, args...)
}

func (h *Helper) Warnf(format string, args ...any) {
	if h == nil {
		return
	}
	h.entry.Warnf(format, args...)
}

func (h *Helper) Errorf(format string, args ...any) {
	if h == nil {
		return
	}
	h.entry.Errorf(format, args...)
}
