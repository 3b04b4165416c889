// Package ratelimit implements the per-user cooldown applied to chat
// messages before they reach a session or a command.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"btbot/internal/clock"
)

// Limiter reports whether key may act now. When it may not, wait is the
// time left until it may.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, wait time.Duration, err error)
}

// Key builds the cooldown key for one user in one channel.
func Key(channelID, userID string) string {
	return channelID + ":" + userID
}

// MemoryLimiter keeps cooldown deadlines in process memory.
type MemoryLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	cooldown time.Duration
	until    map[string]time.Time
	sweepAt  time.Time
}

func NewMemoryLimiter(clk clock.Clock, cooldown time.Duration) *MemoryLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryLimiter{
		clock:    clk,
		cooldown: cooldown,
		until:    make(map[string]time.Time),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	if l.cooldown <= 0 {
		return true, 0, nil
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	if deadline, ok := l.until[key]; ok && now.Before(deadline) {
		return false, deadline.Sub(now), nil
	}
	l.until[key] = now.Add(l.cooldown)
	return true, 0, nil
}

// sweep drops expired deadlines at most once per cooldown period.
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Before(l.sweepAt) {
		return
	}
	for key, deadline := range l.until {
		if !now.Before(deadline) {
			delete(l.until, key)
		}
	}
	l.sweepAt = now.Add(l.cooldown)
}
