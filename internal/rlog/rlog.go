// Package rlog wraps logrus with the small set of helpers the rest of the
// module calls, matching the conventions logrus consumers elsewhere in the
// ecosystem follow: a package-level logger, structured fields over
// formatted strings, and a per-connection correlation id.
package rlog

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the package-wide log level, e.g. from a CLI -v flag.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// NewConnID mints a short correlation id for a new remote connection.
func NewConnID() string {
	return uuid.NewString()[:8]
}

// For returns a logger pre-tagged with a connection id, used for all log
// lines related to one remote socket.
func For(connID string) *logrus.Entry {
	return base.WithField("conn", connID)
}

// L is the bare package logger, for call sites with no connection context
// (e.g. the server's own lifecycle).
func L() *logrus.Logger {
	return base
}
