package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "devit"
)

// Ключи для Sets (состояние)
const (
	RedisKeyBlockedAgents = RedisNamespace + ":agents:blocked_set"
	RedisKeySandboxAgents = RedisNamespace + ":agents:sandbox_set"
	RedisKeyUILockPrefix  = RedisNamespace + ":lock:ui:"
)

// Каналы Pub/Sub (события)
const (
	RedisChanKillSwitch   = RedisNamespace + ":agents:kill-switch-signal"
	RedisChanSandbox      = RedisNamespace + ":agents:sandbox-signal"
	RedisChanPolicyUpdate = RedisNamespace + ":agents:policy-update"
	// RedisChanAuditFeed живая лента уже записанных событий аудита для дашбордов
	RedisChanAuditFeed = RedisNamespace + ":audit:feed"
)

// GetWarmupLockKey Генератор ключей для блокировок прогрева
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}

// UILockKey ключ блокировки повторного клика: пользователь + действие + состояние FSM
func UILockKey(userID, action, state string) string {
	return fmt.Sprintf("%s%s:%s:%s", RedisKeyUILockPrefix, userID, action, state)
}
