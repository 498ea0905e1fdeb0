// Package zap adapts go.uber.org/zap to logging.Logger.
package zap

import (
	"github.com/IvanBrykalov/gatekeep/logging"
	"go.uber.org/zap"
)

var _ logging.Logger = Logger{}

type Logger struct{ L *zap.Logger }

func (z Logger) Debug(msg string, f logging.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f logging.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f logging.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f logging.Fields) { z.L.Error(msg, fields(f)...) }

func fields(f logging.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// New builds a production zap logger at the given level ("debug", "info",
// "warn", "error") and wraps it.
func New(level string) (Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return Logger{}, err
	}
	cfg.Level = lvl
	l, err := cfg.Build()
	if err != nil {
		return Logger{}, err
	}
	return Logger{L: l}, nil
}
