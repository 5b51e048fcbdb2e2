package utils

import (
	"fmt"
	"io"
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. With a file pattern (strftime syntax,
// e.g. "logs/eval-%Y%m%d.log") output goes to a daily rotated file, otherwise
// to stderr. The returned closer releases the file handle.
func NewLogger(cfg LoggingConfig) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.InfoLevel)
	if cfg.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	var closer io.Closer = nopCloser{}
	if cfg.File == "" {
		logger.SetOutput(os.Stderr)
		return logger, closer, nil
	}
	rl, err := rotatelogs.New(
		cfg.File,
		rotatelogs.WithRotationTime(24*time.Hour),
		rotatelogs.WithMaxAge(7*24*time.Hour),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %s: %w", cfg.File, err)
	}
	logger.SetOutput(rl)
	return logger, rl, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
