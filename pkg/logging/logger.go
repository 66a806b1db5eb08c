// Package logging standardizes the gateway on structured logrus JSON logs.
package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/config"
)

// Logger is the logger type threaded through every component.
type Logger = *logrus.Logger

// Fields aliases logrus.Fields so callers need only this package.
type Fields = logrus.Fields

// serviceHook stamps every entry with the service name so log aggregation
// can tell gateway instances apart.
type serviceHook struct {
	service string
}

func (h *serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = h.service
	}
	return nil
}

// NewLogger returns a JSON logger at the level LOG_LEVEL selects.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService tags all entries with a service field.
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()
	logger.AddHook(&serviceHook{service: serviceName})
	return logger
}
