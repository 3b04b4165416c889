package models

import "time"

// ChannelSession is a point-in-time copy of a channel's conversation session.
type ChannelSession struct {
	ChannelID      string    `json:"channel_id"`
	Members        []string  `json:"members"`
	StartedBy      string    `json:"started_by"`
	StartedAt      time.Time `json:"started_at"`
	LastActive     time.Time `json:"last_active"`
	TimeoutMinutes int       `json:"timeout_minutes"`
}

// ExpiresAt is the instant after which the session counts as stale.
func (s ChannelSession) ExpiresAt() time.Time {
	return s.LastActive.Add(time.Duration(s.TimeoutMinutes) * time.Minute)
}
