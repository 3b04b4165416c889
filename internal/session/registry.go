// Package session tracks which users are in conversation with the bot in
// each channel.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"btbot/internal/clock"
	"btbot/internal/models"
)

var (
	ErrAlreadyActive   = errors.New("channel already has an active session")
	ErrNoActiveSession = errors.New("channel has no active session")
)

// LeaveOutcome describes what Leave did.
type LeaveOutcome int

const (
	NotMember LeaveOutcome = iota
	LeftSessionContinues
	LeftSessionEnded
)

func (o LeaveOutcome) String() string {
	switch o {
	case NotMember:
		return "not_member"
	case LeftSessionContinues:
		return "left_session_continues"
	case LeftSessionEnded:
		return "left_session_ended"
	default:
		return "unknown"
	}
}

type channelSession struct {
	members    map[string]struct{}
	startedBy  string
	startedAt  time.Time
	lastActive time.Time
	timeout    int
}

// touch keeps lastActive monotonic.
func (s *channelSession) touch(now time.Time) {
	if now.After(s.lastActive) {
		s.lastActive = now
	}
}

func (s *channelSession) stale(now time.Time) bool {
	return now.Sub(s.lastActive) > time.Duration(s.timeout)*time.Minute
}

func (s *channelSession) snapshot(channelID string) models.ChannelSession {
	members := make([]string, 0, len(s.members))
	for id := range s.members {
		members = append(members, id)
	}
	sort.Strings(members)
	return models.ChannelSession{
		ChannelID:      channelID,
		Members:        members,
		StartedBy:      s.startedBy,
		StartedAt:      s.startedAt,
		LastActive:     s.lastActive,
		TimeoutMinutes: s.timeout,
	}
}

// Registry owns every live channel session. All methods are safe for
// concurrent use and never block on I/O.
type Registry struct {
	mu             sync.Mutex
	sessions       map[string]*channelSession
	clock          clock.Clock
	defaultTimeout int
}

func NewRegistry(clk clock.Clock, defaultTimeout int) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 5
	}
	return &Registry{
		sessions:       make(map[string]*channelSession),
		clock:          clk,
		defaultTimeout: defaultTimeout,
	}
}

// Start opens a session in channelID with userID as its only member.
func (r *Registry) Start(channelID, userID string, timeoutMinutes int) (models.ChannelSession, error) {
	if timeoutMinutes <= 0 {
		timeoutMinutes = r.defaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[channelID]; ok {
		return models.ChannelSession{}, ErrAlreadyActive
	}
	now := r.clock.Now()
	s := &channelSession{
		members:    map[string]struct{}{userID: {}},
		startedBy:  userID,
		startedAt:  now,
		lastActive: now,
		timeout:    timeoutMinutes,
	}
	r.sessions[channelID] = s
	return s.snapshot(channelID), nil
}

// Join adds userID to the channel session, reporting whether it was newly added.
func (r *Registry) Join(channelID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[channelID]
	if !ok {
		return false, ErrNoActiveSession
	}
	s.touch(r.clock.Now())
	if _, member := s.members[userID]; member {
		return false, nil
	}
	s.members[userID] = struct{}{}
	return true, nil
}

// Leave removes userID; the session is destroyed with its last member.
func (r *Registry) Leave(channelID, userID string) LeaveOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[channelID]
	if !ok {
		return NotMember
	}
	if _, member := s.members[userID]; !member {
		return NotMember
	}
	delete(s.members, userID)
	if len(s.members) == 0 {
		delete(r.sessions, channelID)
		return LeftSessionEnded
	}
	return LeftSessionContinues
}

// Touch refreshes the session's activity for a member's message. Unknown
// channels and non-members are ignored.
func (r *Registry) Touch(channelID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[channelID]
	if !ok {
		return
	}
	if _, member := s.members[userID]; !member {
		return
	}
	s.touch(r.clock.Now())
}

func (r *Registry) IsMember(channelID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[channelID]
	if !ok {
		return false
	}
	_, member := s.members[userID]
	return member
}

// ExpireIfStale destroys the session when now - last_active exceeds its timeout.
func (r *Registry) ExpireIfStale(channelID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[channelID]
	if !ok || !s.stale(now) {
		return false
	}
	delete(r.sessions, channelID)
	return true
}

// End destroys the channel session regardless of activity.
func (r *Registry) End(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[channelID]; !ok {
		return false
	}
	delete(r.sessions, channelID)
	return true
}

// ChannelIDs returns a snapshot of the channels with a live session.
func (r *Registry) ChannelIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Get(channelID string) (models.ChannelSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[channelID]
	if !ok {
		return models.ChannelSession{}, false
	}
	return s.snapshot(channelID), true
}

func (r *Registry) List() []models.ChannelSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.ChannelSession, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, s.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}
