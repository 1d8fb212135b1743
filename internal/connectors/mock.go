package connectors

import (
	"context"
	"fmt"
	"math/rand/v2" // Используем v2 для Go 1.25
	"time"
)

// MockSystemsConnector имитация внешних систем для локального запуска и тестов
type MockSystemsConnector struct {
	minLatency time.Duration
	jitter     time.Duration
}

// NewMockSystemsConnector задержка ответа равномерно в [base, base+jitter)
func NewMockSystemsConnector(base, jitter time.Duration) *MockSystemsConnector {
	return &MockSystemsConnector{minLatency: base, jitter: jitter}
}

func (c *MockSystemsConnector) latency() time.Duration {
	d := c.minLatency
	if c.jitter > 0 {
		// В v2 используется rand.Int64N (с большой N)
		d += time.Duration(rand.Int64N(int64(c.jitter)))
	}
	return d
}

func (c *MockSystemsConnector) Call(ctx context.Context, action string, payload []byte) ([]byte, error) {
	select {
	case <-time.After(c.latency()):
		// Имитация работы
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	switch action {
	case "unstable.service":
		return nil, fmt.Errorf("service internal error")
	case "throttled.service":
		return nil, &ThrottleError{RetryAfter: 10 * time.Millisecond, Cause: fmt.Errorf("429 too many requests")}

	case "purchase.create":
		return []byte(`{"status": "created", "order_id": "ORD-1001", "amount": 4990}`), nil
	case "purchase.refund":
		return []byte(`{"status": "refunded", "order_id": "ORD-1001"}`), nil
	case "profile.view":
		return []byte(`{"status": "ok", "user_id": "u-42", "plan": "pro"}`), nil
	case "slack.message.send":
		return []byte(`{"status": "sent", "integration": "slack", "channel": "#general"}`), nil

	// Коннектор к CRM: отдает полную запись, лишнее режет контракт capability
	case "crm.customer_profile":
		return []byte(`{"name": "Jane Roe", "email": "jane@example.com", "plan": "pro", "card_number": "4111111111111111", "ssn": "000-00-0000"}`), nil

	default:
		return nil, &StatusError{Code: 404, Message: fmt.Sprintf("action %s not supported by connector", action)}
	}
}
