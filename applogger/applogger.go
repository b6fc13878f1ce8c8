package applogger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. Debug environments get human-readable
// text, everything else JSON.
func New(level string, debug bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if debug {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	SetLevel(logger, level)
	return logger
}

// SetLevel applies level, keeping the current one if it does not parse.
func SetLevel(logger *logrus.Logger, level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithError(err).WithField("level", level).Warn("ignoring unknown log level")
		return
	}
	logger.SetLevel(lvl)
}
