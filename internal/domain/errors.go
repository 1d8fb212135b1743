package domain

import "errors"

// Таксономия ошибок control plane.
// Отказ в доступе (DENY) ошибкой не является, это обычное значение Response.
var (
	// ErrConfig битый источник правил или контрактов. Фатально при старте.
	ErrConfig = errors.New("configuration error")

	// ErrValidation некорректный входной запрос или контракт
	ErrValidation = errors.New("validation error")

	// ErrUnknownEntity незарегистрированный агент, capability или сессия
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrPersistence не удалось записать в ledger
	ErrPersistence = errors.New("persistence failure")
)
