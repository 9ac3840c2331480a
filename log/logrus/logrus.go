// Package logrus adapts a logrus entry to optisync.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/optisync"
)

var _ optisync.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "optisync")}
}

func (l Logger) Debug(msg string, f optisync.Fields) { l.with(f).Debug(msg) }
func (l Logger) Info(msg string, f optisync.Fields)  { l.with(f).Info(msg) }
func (l Logger) Warn(msg string, f optisync.Fields)  { l.with(f).Warn(msg) }
func (l Logger) Error(msg string, f optisync.Fields) { l.with(f).Error(msg) }

// with maps "err" onto logrus' error key so formatters render it.
func (l Logger) with(f optisync.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			out[logrus.ErrorKey] = err
			continue
		}
		out[k] = v
	}
	return l.E.WithFields(out)
}
