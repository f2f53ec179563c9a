package observability

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. Level is a logrus level name
// ("debug", "info", ...); format is "json" or "text". Unknown values fall
// back to info-level text logging rather than failing startup.
func NewLogger(level, format string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)

	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
