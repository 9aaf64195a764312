// Package definition ships the default, ready-to-use building blocks
// callers can wire into a Controller without writing their own: a
// logger, a fallback background logger, and a small built-in callback
// table.
package definition

import (
	"github.com/sirupsen/logrus"

	"github.com/shimcore/ipc/pkg/ipc/types"
)

// DefaultLogger implements types.Logger over logrus.
type DefaultLogger struct {
	entry *logrus.Entry
}

// NewDefaultLogger returns a DefaultLogger writing to stderr at info
// level, text-formatted.
func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{entry: logrus.NewEntry(l)}
}

func (d *DefaultLogger) Info(v ...interface{})                 { d.entry.Info(v...) }
func (d *DefaultLogger) Infof(format string, v ...interface{}) { d.entry.Infof(format, v...) }
func (d *DefaultLogger) Warn(v ...interface{})                 { d.entry.Warn(v...) }
func (d *DefaultLogger) Warnf(format string, v ...interface{}) { d.entry.Warnf(format, v...) }
func (d *DefaultLogger) Error(v ...interface{})                { d.entry.Error(v...) }
func (d *DefaultLogger) Errorf(format string, v ...interface{}) {
	d.entry.Errorf(format, v...)
}
func (d *DefaultLogger) Debug(v ...interface{})                 { d.entry.Debug(v...) }
func (d *DefaultLogger) Debugf(format string, v ...interface{}) { d.entry.Debugf(format, v...) }
func (d *DefaultLogger) Fatal(v ...interface{})                 { d.entry.Fatal(v...) }
func (d *DefaultLogger) Fatalf(format string, v ...interface{}) { d.entry.Fatalf(format, v...) }

// ToggleDebug flips between info and debug level and reports the new
// debug state.
func (d *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		d.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		d.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return value
}

var _ types.Logger = (*DefaultLogger)(nil)
