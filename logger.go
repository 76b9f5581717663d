package lowkeydb

import "github.com/sirupsen/logrus"

// Logger is the narrow interface the engine logs through; the event it
// reports is crash recovery running on open. Implement it to bridge to
// any structured logger; WithLogger installs it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}

// logrusLogger adapts a *logrus.Entry to Logger. It is the engine's
// default, tagged with the component name so multiple open databases'
// log lines stay distinguishable.
type logrusLogger struct {
	entry *logrus.Entry
}

func newDefaultLogger() Logger {
	return logrusLogger{entry: logrus.WithField("component", "lowkeydb")}
}

func (l logrusLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l logrusLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l logrusLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
