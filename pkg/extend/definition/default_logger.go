package definition

import (
	"github.com/sirupsen/logrus"
	"os"
)

// NewDefaultLogger builds the logger used when the caller does not supply
// its own types.Logger implementation. It writes structured, leveled
// entries to stderr.
func NewDefaultLogger() *DefaultLogger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{Logger: base}
}

// DefaultLogger adapts a *logrus.Logger to the types.Logger contract.
// Fields (peer id, connection id, channel id) should be attached with
// WithFields before a call site logs, rather than interpolated into the
// message, so log aggregation can filter on them.
type DefaultLogger struct {
	*logrus.Logger
}

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return value
}
