package domain

// CapabilityContract описывает, что агент-владелец отдает наружу и кому
type CapabilityContract struct {
	Owner          string   `json:"owner" yaml:"-"`
	Name           string   `json:"name" yaml:"name"`
	AllowedCallers []string `json:"allowed_callers" yaml:"allowed_callers"`
	ExposedFields  []string `json:"exposed_fields" yaml:"exposed_fields"`
}

// AllowsCaller проверяет членство caller в allowed_callers
func (c CapabilityContract) AllowsCaller(caller string) bool {
	for _, id := range c.AllowedCallers {
		if id == caller {
			return true
		}
	}
	return false
}

type CapabilityStatus string

const (
	CapabilityOK   CapabilityStatus = "OK"
	CapabilityDeny CapabilityStatus = "DENY"
)

// Причины отказа при вызове capability
const (
	ReasonAccessDenied      = "access_denied"
	ReasonUnknownCapability = "unknown_capability"
	ReasonCapabilityTimeout = "capability_timeout"
	ReasonProviderError     = "provider_error"
	ReasonCanceled          = "canceled"
)

// CapabilityResult ответ agent-to-agent вызова: либо отфильтрованные данные, либо причина
type CapabilityResult struct {
	Status CapabilityStatus `json:"status"`
	Data   map[string]any   `json:"data,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

func (r CapabilityResult) OK() bool {
	return r.Status == CapabilityOK
}

func CapabilityDenied(reason string) CapabilityResult {
	return CapabilityResult{Status: CapabilityDeny, Reason: reason}
}
