// Package zap adapts a *zap.Logger to optisync.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/optisync"
)

var _ optisync.Logger = Logger{}

// Logger writes optisync fields as zap fields. An "err" field holding an
// error becomes zap.Error.
type Logger struct{ L *zap.Logger }

func New(l *zap.Logger) Logger { return Logger{L: l.Named("optisync")} }

func (z Logger) Debug(msg string, f optisync.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f optisync.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f optisync.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f optisync.Fields) { z.L.Error(msg, fields(f)...) }

func fields(f optisync.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]zap.Field, 0, len(f))
	for _, k := range names {
		if err, ok := f[k].(error); ok && k == "err" {
			out = append(out, zap.Error(err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
