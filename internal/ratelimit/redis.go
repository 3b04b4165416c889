package ratelimit

import (
	"context"
	"fmt"
	"time"

	"btbot/internal/redis"
)

// RedisLimiter stores cooldown markers as expiring redis keys.
type RedisLimiter struct {
	client   *redis.Client
	cooldown time.Duration
}

func NewRedisLimiter(client *redis.Client, cooldown time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, cooldown: cooldown}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.cooldown <= 0 {
		return true, 0, nil
	}
	redisKey := redis.Key("cooldown", key)
	ok, err := l.client.SetNX(ctx, redisKey, 1, l.cooldown)
	if err != nil {
		return true, 0, fmt.Errorf("cooldown setnx: %w", err)
	}
	if ok {
		return true, 0, nil
	}
	wait, err := l.client.PTTL(ctx, redisKey)
	if err != nil {
		return false, l.cooldown, fmt.Errorf("cooldown pttl: %w", err)
	}
	if wait < 0 {
		// key without ttl or already gone; treat as a full cooldown
		wait = l.cooldown
	}
	return false, wait, nil
}
