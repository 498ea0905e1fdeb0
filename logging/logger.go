// Package logging defines the small leveled logger used across gatekeep.
// Provide an adapter around your logging stack; see logging/zap and
// logging/logrus.
package logging

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is a tiny leveled logger. Components default to Nop when none is
// configured.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Debug(string, Fields) {}
func (Nop) Info(string, Fields)  {}
func (Nop) Warn(string, Fields)  {}
func (Nop) Error(string, Fields) {}

var _ Logger = Nop{}
