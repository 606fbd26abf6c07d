// Package common provides the shared logging infrastructure for the
// authcache services. It implements output routing that directs error
// messages to stderr while sending other log levels to stdout, enabling
// proper stream separation for containerized and scripted environments.
//
// The logging system is built on logrus for structured logging. Every
// component of the daemon (replicator, poller, store, verifier, API) receives
// a *logrus.Entry tagged with a component field from the logger constructed
// here, so log aggregation can slice the stream per subsystem.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their severity. Error-level lines (containing "level=error" in text format
// or `"level":"error"` in JSON format) go to stderr; everything else goes to
// stdout. Container orchestrators capture the two streams independently,
// which lets alerting treat the error stream with higher priority.
type OutputSplitter struct{}

// Write implements io.Writer. It examines the formatted log line and picks
// the destination stream. Matching is plain byte search, no parsing.
func (s *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// NewLogger constructs the daemon-wide logrus logger. level is a logrus
// level name ("debug", "info", ...); unparsable values fall back to info.
// format selects "json" or "text" output.
func NewLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&OutputSplitter{})

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}

// Component returns an entry tagged for one subsystem of the daemon.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}
