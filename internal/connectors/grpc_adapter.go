package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExecuteMethod метод внешнего коннектора. Запрос и ответ google.protobuf.Struct:
// {capability_id, payload, metadata} -> {status_code, error_message, result}.
const ExecuteMethod = "/connector.v1.ConnectorService/Execute"

const (
	callTimeout       = 15 * time.Second
	defaultRetryAfter = time.Second
)

type GRPCAdapter struct {
	conn grpc.ClientConnInterface
}

// NewGRPCAdapter создает экземпляр адаптера
func NewGRPCAdapter(conn grpc.ClientConnInterface) *GRPCAdapter {
	return &GRPCAdapter{conn: conn}
}

// Call реализует engine.Executor
func (a *GRPCAdapter) Call(ctx context.Context, action string, payload []byte) ([]byte, error) {
	// 1. Конвертируем JSON-байты в Protobuf Struct
	m := map[string]any{}
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	req, err := structpb.NewStruct(map[string]any{
		"capability_id": action,
		"payload":       m,
		"metadata":      map[string]any{"source": "uag-engine"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}

	// 2. Устанавливаем защитный таймаут на уровне вызова
	// Даже если ReliabilityWrapper имеет свой, адаптер должен иметь свой предел
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	// 3. Выполняем gRPC вызов к коннектору
	var trailer metadata.MD
	resp := new(structpb.Struct)
	if err := a.conn.Invoke(ctx, ExecuteMethod, req, resp, grpc.Trailer(&trailer)); err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return nil, &ThrottleError{RetryAfter: retryAfter(trailer), Cause: err}
		}
		return nil, fmt.Errorf("connector call failed: %w", err)
	}

	// 4. Проверяем статус внутри ответа
	fields := resp.GetFields()
	if code := fields["status_code"].GetNumberValue(); code != 0 {
		return nil, &StatusError{Code: int(code), Message: fields["error_message"].GetStringValue()}
	}

	// 5. Маршалим результат обратно в JSON для шлюза
	result := map[string]any{}
	if s := fields["result"].GetStructValue(); s != nil {
		result = s.AsMap()
	}
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return resultBytes, nil
}

// retryAfter секунды из трейлера retry-after коннектора
func retryAfter(md metadata.MD) time.Duration {
	if v := md.Get("retry-after"); len(v) > 0 {
		if sec, err := strconv.Atoi(v[0]); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	return defaultRetryAfter
}
