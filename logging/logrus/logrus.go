// Package logrus adapts github.com/sirupsen/logrus to logging.Logger.
package logrus

import (
	"github.com/IvanBrykalov/gatekeep/logging"
	"github.com/sirupsen/logrus"
)

var _ logging.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

func (l Logger) Debug(msg string, f logging.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l Logger) Info(msg string, f logging.Fields) { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f logging.Fields) { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f logging.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}

// New builds a JSON logrus logger at the given level and wraps it.
func New(level string) (Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return Logger{}, err
	}
	l := logrus.New()
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.JSONFormatter{})
	return Logger{E: logrus.NewEntry(l)}, nil
}
