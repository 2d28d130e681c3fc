package app

import (
	"strings"

	"github.com/bazaarlab/notisync/pkg/logger"
)

// ConfigureLogging initialises the shared logger with the configured level.
func ConfigureLogging(level string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		level = "info"
	}
	return logger.Init(level)
}
