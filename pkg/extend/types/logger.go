package types

// Logger is the contract every component in this module uses for
// diagnostics. It never dictates a backend — see definition.DefaultLogger
// for the logrus-backed implementation wired in by default.
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
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})

	// ToggleDebug enables or disables debug-level output and returns the
	// resulting state.
	ToggleDebug(value bool) bool
}
