// Package logging constructs the proxy's single *logrus.Logger. Stdout
// is the client's wire protocol, so every log line goes to --log-file
// or, failing that, stderr — never stdout.
package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// New opens logFile (if non-empty) and builds a logger at level,
// honoring at least "trace", "debug", "info" per spec.md §6. An
// unrecognized level string falls back to info rather than erroring,
// since a bad RUST_LOG-style value shouldn't keep the proxy from
// starting.
func New(logFile, level string) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(parseLevel(level))

	var closer io.Closer
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "open log file %s", logFile)
		}
		logger.SetOutput(f)
		closer = f
	} else {
		logger.SetOutput(os.Stderr)
		closer = noopCloser{}
	}

	return logger, closer, nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func parseLevel(level string) logrus.Level {
	switch level {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "info", "":
		return logrus.InfoLevel
	default:
		return logrus.InfoLevel
	}
}
