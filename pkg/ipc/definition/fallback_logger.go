package definition

import (
	"github.com/prometheus/common/log"

	"github.com/shimcore/ipc/pkg/ipc/types"
)

// FallbackLogger implements types.Logger directly over
// github.com/prometheus/common/log's package-level logger, for code
// with no per-call logger threaded through it. The IPC core does not
// construct one itself: Node and Registry, broadcast's per-port failure
// logging included, log through the logger they were given.
type FallbackLogger struct {
	debug bool
}

// NewFallbackLogger returns the process-wide background logger.
func NewFallbackLogger() *FallbackLogger {
	return &FallbackLogger{}
}

func (f *FallbackLogger) Info(v ...interface{})  { log.Info(v...) }
func (f *FallbackLogger) Infof(format string, v ...interface{}) {
	log.Infof(format, v...)
}
func (f *FallbackLogger) Warn(v ...interface{}) { log.Warn(v...) }
func (f *FallbackLogger) Warnf(format string, v ...interface{}) {
	log.Warnf(format, v...)
}
func (f *FallbackLogger) Error(v ...interface{}) { log.Error(v...) }
func (f *FallbackLogger) Errorf(format string, v ...interface{}) {
	log.Errorf(format, v...)
}
func (f *FallbackLogger) Debug(v ...interface{}) {
	if f.debug {
		log.Debug(v...)
	}
}
func (f *FallbackLogger) Debugf(format string, v ...interface{}) {
	if f.debug {
		log.Debugf(format, v...)
	}
}
func (f *FallbackLogger) Fatal(v ...interface{}) { log.Fatal(v...) }
func (f *FallbackLogger) Fatalf(format string, v ...interface{}) {
	log.Fatalf(format, v...)
}

func (f *FallbackLogger) ToggleDebug(value bool) bool {
	f.debug = value
	return f.debug
}

var _ types.Logger = (*FallbackLogger)(nil)
