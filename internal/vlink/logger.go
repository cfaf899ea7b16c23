package vlink

import (
	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// logrusFactory bridges pion's leveled loggers onto the agent's logrus
// sinks so ICE/DTLS internals obey ConfigureLogging.
type logrusFactory struct{}

func (logrusFactory) NewLogger(scope string) logging.LeveledLogger {
	return &scopedLogger{entry: logrus.WithField("scope", scope)}
}

type scopedLogger struct {
	entry *logrus.Entry
}

func (l *scopedLogger) Trace(msg string)                  { l.entry.Trace(msg) }
func (l *scopedLogger) Tracef(format string, args ...any) { l.entry.Tracef(format, args...) }
func (l *scopedLogger) Debug(msg string)                  { l.entry.Debug(msg) }
func (l *scopedLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *scopedLogger) Info(msg string)                   { l.entry.Info(msg) }
func (l *scopedLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *scopedLogger) Warn(msg string)                   { l.entry.Warn(msg) }
func (l *scopedLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *scopedLogger) Error(msg string)                  { l.entry.Error(msg) }
func (l *scopedLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
