package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus for structured logging.
type Logger struct {
	*logrus.Logger
}

// Config for logger initialization.
type Config struct {
	Level    string // debug, info, warn, error
	Format   string // text or json
	FilePath string // optional log file, appended to
	Output   io.Writer
}

// New creates a new logger instance. When FilePath is set the file is
// opened for append and written alongside stdout; open failures fall back
// to stdout so logging never blocks startup.
func New(cfg Config) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	switch {
	case cfg.Output != nil:
		log.SetOutput(cfg.Output)
	case cfg.FilePath != "":
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.SetOutput(os.Stdout)
			log.WithError(err).Warn("could not open log file, logging to stdout")
		} else {
			log.SetOutput(io.MultiWriter(os.Stdout, file))
		}
	default:
		log.SetOutput(os.Stdout)
	}

	return &Logger{Logger: log}
}

// Discard returns a logger that swallows everything; handy in tests.
func Discard() *Logger {
	return New(Config{Level: "panic", Output: io.Discard})
}
