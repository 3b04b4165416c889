package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"btbot/internal/models"
	"btbot/internal/worker"
)

var ErrInvalidMessage = errors.New("message needs author_id and channel_id")

// Ingress queues inbound messages so that each channel is handled in
// arrival order while channels proceed in parallel.
type Ingress struct {
	dispatcher *Dispatcher
	workers    *worker.Dispatcher
	logger     *log.Logger
}

func NewIngress(dispatcher *Dispatcher, workers *worker.Dispatcher) *Ingress {
	return &Ingress{
		dispatcher: dispatcher,
		workers:    workers,
		logger:     log.Default().With("component", "ingress"),
	}
}

// Accept validates msg, fills in its id and receive time, and queues it.
// It returns worker.ErrDispatcherBusy when the queue is full.
func (i *Ingress) Accept(msg models.InboundMessage) (models.InboundMessage, error) {
	msg.AuthorID = strings.TrimSpace(msg.AuthorID)
	msg.ChannelID = strings.TrimSpace(msg.ChannelID)
	if msg.AuthorID == "" || msg.ChannelID == "" {
		return msg, ErrInvalidMessage
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	err := i.workers.Submit(worker.Job{
		Key: msg.ChannelID,
		Run: func(ctx context.Context) {
			action := i.dispatcher.Handle(ctx, msg)
			i.logger.Debug("handled message", "id", msg.ID, "channel", msg.ChannelID, "action", action)
		},
	})
	return msg, err
}

// HandleGateway is a gateway.Handler.
func (i *Ingress) HandleGateway(_ context.Context, msg models.InboundMessage) {
	if _, err := i.Accept(msg); err != nil {
		i.logger.Warn("dropping inbound message", "channel", msg.ChannelID, "err", err)
	}
}
