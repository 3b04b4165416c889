// Package monitor evicts channel sessions that have been idle past their
// timeout and tells the channel about it.
package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"btbot/internal/clock"
	"btbot/internal/session"
)

const (
	DefaultInterval = 60 * time.Second

	InactivityNotice = "Our conversation ended due to inactivity. Say the start phrase to talk again."
	RestartNotice    = "Our conversation was interrupted by a restart. Say the start phrase to talk again."
)

// Notifier delivers a text to a channel.
type Notifier interface {
	Send(ctx context.Context, channelID, text string) error
}

type Options struct {
	Interval         time.Duration
	InactivityNotice string
	RestartNotice    string
}

type Monitor struct {
	registry *session.Registry
	mirror   session.Mirror
	notifier Notifier
	clock    clock.Clock
	opts     Options
	logger   *log.Logger
}

func New(registry *session.Registry, mirror session.Mirror, notifier Notifier, clk clock.Clock, opts Options) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.InactivityNotice == "" {
		opts.InactivityNotice = InactivityNotice
	}
	if opts.RestartNotice == "" {
		opts.RestartNotice = RestartNotice
	}
	return &Monitor{
		registry: registry,
		mirror:   mirror,
		notifier: notifier,
		clock:    clk,
		opts:     opts,
		logger:   log.Default().With("component", "monitor"),
	}
}

// Start runs the monitor loop in the background until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	go m.Run(ctx)
}

// Run ticks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := m.Tick(ctx); len(expired) > 0 {
				m.logger.Info("expired idle sessions", "count", len(expired))
			}
		}
	}
}

// Tick runs one eviction pass and returns the channels it expired. Channels
// started after the snapshot are evaluated on the next pass.
func (m *Monitor) Tick(ctx context.Context) []string {
	var expired []string
	for _, channelID := range m.registry.ChannelIDs() {
		if !m.registry.ExpireIfStale(channelID, m.clock.Now()) {
			continue
		}
		expired = append(expired, channelID)
		m.clearMarker(ctx, channelID)
		m.notify(ctx, channelID, m.opts.InactivityNotice)
	}
	return expired
}

// Reconcile handles channels whose session was live when the process last
// stopped. Members are not persisted, so those sessions are closed and the
// channel is told to start over. A marker is cleared only once its notice
// was delivered; undelivered ones stay for the next call.
func (m *Monitor) Reconcile(ctx context.Context) error {
	if m.mirror == nil {
		return nil
	}
	ids, err := m.mirror.ActiveChannels(ctx)
	if err != nil {
		return err
	}
	var notified, pending int
	for _, channelID := range ids {
		if _, live := m.registry.Get(channelID); live {
			continue
		}
		if !m.notify(ctx, channelID, m.opts.RestartNotice) {
			pending++
			continue
		}
		notified++
		m.clearMarker(ctx, channelID)
	}
	if notified > 0 || pending > 0 {
		m.logger.Info("reconciled sessions from previous run", "notified", notified, "pending", pending)
	}
	return nil
}

func (m *Monitor) clearMarker(ctx context.Context, channelID string) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.ClearActive(ctx, channelID); err != nil {
		m.logger.Warn("clear session marker failed", "channel", channelID, "err", err)
	}
}

func (m *Monitor) notify(ctx context.Context, channelID, text string) bool {
	if m.notifier == nil {
		return true
	}
	if err := m.notifier.Send(ctx, channelID, text); err != nil {
		m.logger.Warn("session notification failed", "channel", channelID, "err", err)
		return false
	}
	return true
}
