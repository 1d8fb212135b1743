package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodePayload payload события в JSON для хранения. nil пишется как null.
func EncodePayload(p map[string]any) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("audit: encode payload: %w", err)
	}
	return raw, nil
}

// DecodePayload обратно в map. Целые числа возвращаются как int64 без потери точности
// выше 2^53, дробные как float64. Пустой объект остается пустой map, null дает nil.
func DecodePayload(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("audit: decode payload: %w", err)
	}
	for k, v := range m {
		m[k] = normalizeNumbers(v)
	}
	return m, nil
}

// ClonePayload глубокая копия в том же виде, в каком payload вернет любой ledger
func ClonePayload(p map[string]any) (map[string]any, error) {
	raw, err := EncodePayload(p)
	if err != nil {
		return nil, err
	}
	return DecodePayload(raw)
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	}
	return v
}
