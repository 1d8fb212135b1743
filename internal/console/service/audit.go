package service

import (
	"context"

	"github.com/xela07ax/spaceai-control-plane/internal/audit"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

// AuditService read API поверх ledger. Единственная запись отсюда: EXPLAIN событие
// по явному запросу оператора.
type AuditService struct {
	ledger audit.Ledger
}

func NewAuditService(ledger audit.Ledger) *AuditService {
	return &AuditService{ledger: ledger}
}

// ListSessions новые первыми; limit/offset нормализуются
func (s *AuditService) ListSessions(ctx context.Context, limit, offset int) ([]domain.Session, error) {
	limit, offset = audit.NormalizeLimit(limit, offset)
	return s.ledger.ListSessions(ctx, limit, offset)
}

func (s *AuditService) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return s.ledger.GetSession(ctx, id)
}

func (s *AuditService) Timeline(ctx context.Context, id string) ([]domain.AuditEvent, error) {
	return s.ledger.SessionTimeline(ctx, id)
}

// Why только чтение
func (s *AuditService) Why(ctx context.Context, id string) (domain.SessionExplanation, error) {
	return audit.ExplainSession(ctx, s.ledger, id)
}

// RecordWhy объяснение + EXPLAIN событие в ту же сессию
func (s *AuditService) RecordWhy(ctx context.Context, id, requestedBy string) (domain.SessionExplanation, error) {
	return audit.RecordExplanation(ctx, s.ledger, id, requestedBy)
}
