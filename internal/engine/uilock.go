package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultUILockTTL окно, в котором повторный клик считается дублем
const DefaultUILockTTL = 30 * time.Second

// Locker захват короткоживущей блокировки на (user, action, state).
// Acquire возвращает false и остаток TTL, если блокировка уже занята.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, time.Duration, error)
}

// RedisLocker SETNX с TTL, общий для всех инстансов шлюза
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, time.Duration, error) {
	ok, err := l.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, 0, fmt.Errorf("engine: ui lock %s: %w", key, err)
	}
	if ok {
		return true, 0, nil
	}
	left, err := l.rdb.PTTL(ctx, key).Result()
	if err != nil || left < 0 {
		left = 0
	}
	return false, left, nil
}

// MemoryLocker локальный вариант без Redis
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.locks[key]; ok && now.Before(exp) {
		return false, exp.Sub(now), nil
	}
	l.locks[key] = now.Add(ttl)

	// Чистим протухшие, чтобы карта не росла бесконечно
	for k, exp := range l.locks {
		if !now.Before(exp) {
			delete(l.locks, k)
		}
	}
	return true, 0, nil
}
