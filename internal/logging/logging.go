// ABOUTME: Process-wide logrus setup shared by both binaries
// ABOUTME: Logs go to stderr and, optionally, to an appended log file
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup configures the standard logrus logger. stdout is never used because
// the receiver writes audio there. The returned closer flushes the log file.
func Setup(level, file string) (io.Closer, error) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if file == "" {
		logrus.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}

	logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

// Component returns an entry tagged with the component name
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
