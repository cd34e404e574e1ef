package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"quorum/internal/config"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// New builds a logger from the log section of quorum.yml. An unknown level
// falls back to info.
func New(cfg *config.Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	format, level, service := "text", "info", "quorum"
	if cfg != nil {
		if cfg.Log.Format != "" {
			format = strings.ToLower(cfg.Log.Format)
		}
		if cfg.Log.Level != "" {
			level = cfg.Log.Level
		}
		if cfg.Log.Service != "" {
			service = cfg.Log.Service
		}
	}
	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "time",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "msg",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: timestampFormat,
			FullTimestamp:   true,
		})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)
	logger.AddHook(&defaultFieldsHook{fields: logrus.Fields{"service": service}})
	return logger
}

// Discard returns a logger that drops everything. Tests and library callers
// that do not care about logs use it.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type defaultFieldsHook struct {
	fields logrus.Fields
}

func (h *defaultFieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *defaultFieldsHook) Fire(entry *logrus.Entry) error {
	for k, v := range h.fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}
