package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"go.uber.org/zap"
)

const DefaultTimeout = 5 * time.Second

// Observer получает исход каждого вызова (для метрик)
type Observer func(target, capability, outcome string)

// Registry единственный источник правды о том, кто что может запрашивать и у кого.
// Контракты могут перезагружаться на лету, поэтому карта под RWMutex.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]map[string]domain.CapabilityContract // owner -> name -> contract

	provider Provider
	timeout  time.Duration
	observe  Observer
	logger   *zap.Logger
}

type Option func(*Registry)

func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observe = o }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger.Named("capability") }
}

func NewRegistry(provider Provider, opts ...Option) *Registry {
	r := &Registry{
		agents:   make(map[string]map[string]domain.CapabilityContract),
		provider: provider,
		timeout:  DefaultTimeout,
		observe:  func(string, string, string) {},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAgent идемпотентна: повторная регистрация не сбрасывает контракты
func (r *Registry) RegisterAgent(id string) error {
	if id == "" {
		return fmt.Errorf("capability: agent id is empty: %w", domain.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		r.agents[id] = make(map[string]domain.CapabilityContract)
	}
	return nil
}

// RegisterCapability добавляет или заменяет контракт владельца
func (r *Registry) RegisterCapability(owner string, c domain.CapabilityContract) error {
	if err := validateContract(c); err != nil {
		return err
	}

	c.Owner = owner
	c.AllowedCallers = append([]string(nil), c.AllowedCallers...)
	c.ExposedFields = append([]string(nil), c.ExposedFields...)

	r.mu.Lock()
	defer r.mu.Unlock()
	caps, ok := r.agents[owner]
	if !ok {
		return fmt.Errorf("capability: owner %q is not registered: %w", owner, domain.ErrValidation)
	}
	caps[c.Name] = c
	return nil
}

func validateContract(c domain.CapabilityContract) error {
	switch {
	case c.Name == "":
		return fmt.Errorf("capability: contract name is empty: %w", domain.ErrValidation)
	case len(c.AllowedCallers) == 0:
		return fmt.Errorf("capability: %s: allowed_callers is empty: %w", c.Name, domain.ErrValidation)
	case len(c.ExposedFields) == 0:
		return fmt.Errorf("capability: %s: exposed_fields is empty: %w", c.Name, domain.ErrValidation)
	}
	return nil
}

// Resolve возвращает контракт без проверки доступа
func (r *Registry) Resolve(target, name string) (domain.CapabilityContract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps, ok := r.agents[target]
	if !ok {
		return domain.CapabilityContract{}, fmt.Errorf("capability: unknown agent %q: %w", target, domain.ErrUnknownEntity)
	}
	c, ok := caps[name]
	if !ok {
		return domain.CapabilityContract{}, fmt.Errorf("capability: %q not found for agent %q: %w", name, target, domain.ErrUnknownEntity)
	}
	return c, nil
}

// Contracts плоский список всех контрактов (для консоли и CLI)
func (r *Registry) Contracts() []domain.CapabilityContract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.CapabilityContract
	for _, caps := range r.agents {
		for _, c := range caps {
			out = append(out, c)
		}
	}
	return out
}

type invokeResult struct {
	data map[string]any
	err  error
}

// AuthorizeAndInvoke проверяет контракт, вызывает провайдера и режет ответ до exposed_fields.
// Отказ это значение, а не ошибка: вызывающий получает DENY с причиной.
func (r *Registry) AuthorizeAndInvoke(ctx context.Context, caller, target, name string) domain.CapabilityResult {
	res := r.authorizeAndInvoke(ctx, caller, target, name)
	outcome := string(res.Status)
	if !res.OK() {
		outcome = res.Reason
	}
	r.observe(target, name, outcome)
	return res
}

func (r *Registry) authorizeAndInvoke(ctx context.Context, caller, target, name string) domain.CapabilityResult {
	contract, err := r.Resolve(target, name)
	if err != nil {
		return domain.CapabilityDenied(domain.ReasonUnknownCapability)
	}
	if !contract.AllowsCaller(caller) {
		return domain.CapabilityDenied(domain.ReasonAccessDenied)
	}
	if ctx.Err() != nil {
		return domain.CapabilityDenied(domain.ReasonCanceled)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Провайдер может игнорировать ctx, поэтому ждем его не дольше таймаута.
	done := make(chan invokeResult, 1)
	go func() {
		data, err := r.provider.Invoke(callCtx, target, name)
		done <- invokeResult{data: data, err: err}
	}()

	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return domain.CapabilityDenied(domain.ReasonCanceled)
		}
		r.logger.Warn("capability timed out",
			zap.String("target", target), zap.String("capability", name), zap.Duration("timeout", r.timeout))
		return domain.CapabilityDenied(domain.ReasonCapabilityTimeout)

	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return domain.CapabilityDenied(domain.ReasonCapabilityTimeout)
			}
			r.logger.Warn("capability provider failed",
				zap.String("target", target), zap.String("capability", name), zap.Error(out.err))
			return domain.CapabilityDenied(domain.ReasonProviderError)
		}
		return domain.CapabilityResult{
			Status: domain.CapabilityOK,
			Data:   Project(out.data, contract.ExposedFields),
		}
	}
}
