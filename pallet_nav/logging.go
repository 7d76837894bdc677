package pallet_nav

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogConfig controls console logging.
type LogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Level   string `json:"level" yaml:"level"`
	Format  string `json:"format" yaml:"format"`
}

// NewLogger builds a logger from cfg. A disabled log still reports warnings
// and errors.
func NewLogger(cfg LogConfig) *logrus.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg LogConfig, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)

	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level := logrus.InfoLevel
	if cfg.Level != "" {
		if parsed, err := logrus.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	if !cfg.Enabled && level > logrus.WarnLevel {
		level = logrus.WarnLevel
	}
	log.SetLevel(level)
	return log
}

// discardLogger returns an entry that drops everything.
func discardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
