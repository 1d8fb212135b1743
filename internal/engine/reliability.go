package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-control-plane/internal/connectors"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
	"golang.org/x/time/rate"
)

// Executor исполняет разрешенное действие во внешней системе
type Executor interface {
	Call(ctx context.Context, action string, payload []byte) ([]byte, error)
}

// attemptTimeout верхняя граница одной попытки внутри retry
const attemptTimeout = 10 * time.Second

// ReliabilityWrapper rate limit + circuit breaker + retry вокруг Executor
type ReliabilityWrapper struct {
	next     Executor
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	attempts uint
}

func NewReliabilityWrapper(next Executor, cfg infra.EngineConfig, metrics *Metrics) *ReliabilityWrapper {
	const name = "uag-connector"

	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.CBMaxRequests),
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		// Отказ по существу (4xx) не признак деградации коннектора
		IsSuccessful: func(err error) bool {
			return err == nil || connectors.IsClientError(err)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд: открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	return &ReliabilityWrapper{
		next:     next,
		cb:       cb,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		attempts: attempts,
	}
}

func (w *ReliabilityWrapper) Call(ctx context.Context, action string, payload []byte) ([]byte, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		var finalData []byte

		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.RetryIf(connectors.Retryable),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Если коннектор вернул ThrottleError (например, считал Retry-After заголовок)
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}

				// В остальных случаях (сетевой лаг, 500-ка): стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		var lastErr error
		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
			defer cancel()

			finalData, lastErr = w.next.Call(tCtx, action, payload)
			return lastErr
		})
		// Отказ по существу отдаем как есть, без обертки retry
		if retryErr != nil && connectors.IsClientError(lastErr) {
			return nil, lastErr
		}

		return finalData, retryErr
	})

	if err != nil {
		return nil, err
	}

	return cbResult.([]byte), nil
}
