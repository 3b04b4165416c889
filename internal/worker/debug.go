package worker

import (
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("BTBOT_DEBUG"), "1")

func newLogger() *log.Logger {
	logger := log.Default().With("component", "worker")
	if workerDebugEnabled {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}
