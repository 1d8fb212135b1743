package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// warmupLockTTL сколько живет блокировка прогрева, если держатель упал
const warmupLockTTL = 30 * time.Second

// WarmupState засевает множество в Redis (L2) значениями из конфига и
// наполняет локальный кэш (L1) через updateL1.
//
// Засев выполняет один инстанс (SetNX на lockKey) и только в пустое множество:
// то, что оператор уже переключил через консоль, конфиг не перетирает.
// L1 повторяет Redis; seed попадает в L1 напрямую, только если Redis недоступен.
func WarmupState(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	ids []string,
	redisKey string,
	lockKey string,
	updateL1 func([]string),
) error {
	if len(ids) == 0 {
		return nil
	}

	owner, err := rdb.SetNX(ctx, lockKey, "warmup", warmupLockTTL).Result()
	if err != nil {
		logger.Warn("warm-up lock unavailable, keeping config seed in memory only",
			zap.String("key", redisKey), zap.Error(err))
		updateL1(ids)
		return nil
	}
	if owner {
		defer rdb.Del(context.WithoutCancel(ctx), lockKey)

		size, err := rdb.SCard(ctx, redisKey).Result()
		if err != nil {
			return fmt.Errorf("warm-up %s: check size: %w", redisKey, err)
		}
		if size == 0 {
			members := make([]any, len(ids))
			for i, id := range ids {
				members[i] = id
			}
			if err := rdb.SAdd(ctx, redisKey, members...).Err(); err != nil {
				return fmt.Errorf("warm-up %s: seed: %w", redisKey, err)
			}
			logger.Info("redis set seeded from config", zap.String("key", redisKey), zap.Int("count", len(ids)))
		}
	}

	current, err := rdb.SMembers(ctx, redisKey).Result()
	if err != nil {
		return fmt.Errorf("warm-up %s: read back: %w", redisKey, err)
	}
	updateL1(current)
	return nil
}
