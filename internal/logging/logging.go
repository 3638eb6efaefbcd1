package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process logger on stdout. Every entry carries the service name.
func New(service, level, format string) (*logrus.Entry, error) {
	return NewWithOutput(os.Stdout, service, level, format)
}

// NewWithOutput is New writing to out.
func NewWithOutput(out io.Writer, service, level, format string) (*logrus.Entry, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(lvl)
	switch format {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log.WithField("service", service), nil
}
