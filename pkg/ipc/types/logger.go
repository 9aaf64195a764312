package types

// Logger is the logging surface the IPC core and its transports depend
// on. It is intentionally small and printf-shaped so any of logrus,
// the stdlib log package, or a test-local recorder can implement it.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	// ToggleDebug flips debug-level logging and returns the new value.
	ToggleDebug(value bool) bool
}
