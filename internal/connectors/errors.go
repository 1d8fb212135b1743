package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ThrottleError коннектор попросил подождать (429 / ResourceExhausted).
// RetryAfter используется ReliabilityWrapper вместо экспоненциальной задержки.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error {
	return e.Cause
}

// StatusError внешняя система ответила, но с ненулевым status_code
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("connector returned error [%d]: %s", e.Code, e.Message)
}

// IsClientError 4xx кроме 429: запрос отклонен по существу, повтор его не исправит
func IsClientError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != 429
}

// Retryable все, кроме отказов по существу
func Retryable(err error) bool {
	return err != nil && !IsClientError(err)
}
