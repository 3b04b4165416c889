package bot

import (
	"context"

	"github.com/charmbracelet/log"
)

// Sender delivers outbound text to a channel.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

// LogSender writes outbound messages to the log. It stands in for the
// gateway when none is configured.
type LogSender struct {
	logger *log.Logger
}

func NewLogSender() *LogSender {
	return &LogSender{logger: log.Default().With("component", "outbox")}
}

func (s *LogSender) Send(_ context.Context, channelID, text string) error {
	s.logger.Info("send", "channel", channelID, "text", text)
	return nil
}
