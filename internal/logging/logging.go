package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for the log file
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Options describes where and how the daemon logs
type Options struct {
	Level  string
	Format string
	// File, when set, receives a rotated copy of the log
	File   string
	Syslog bool
}

// New builds the application logger. The returned closer releases the log
// file, if any.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	switch opts.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, errors.Wrap(err, "invalid log level")
		}
		level = parsed
	}
	logger.SetLevel(level)

	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, errors.Wrap(err, "failed to create log dir")
		}
		file := &lj.Logger{
			Filename:   opts.File,
			MaxSize:    DefaultMaxSizeMB,
			MaxBackups: DefaultMaxBackups,
			MaxAge:     DefaultMaxAgeDays,
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, file))
		closer = file
	}

	if opts.Syslog {
		if err := addSyslog(logger); err != nil {
			return nil, nil, err
		}
	}

	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
