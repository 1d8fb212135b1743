package audit

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

// ExplainSession WHY API: сводка по таймлайну сессии.
// Сессия без событий дает нулевые счетчики, неизвестная сессия -> ErrUnknownEntity.
func ExplainSession(ctx context.Context, r Reader, id string) (domain.SessionExplanation, error) {
	timeline, err := r.SessionTimeline(ctx, id)
	if err != nil {
		return domain.SessionExplanation{}, err
	}

	out := domain.SessionExplanation{
		SessionID:         id,
		TotalEvents:       len(timeline),
		PoliciesTriggered: []string{},
	}

	seen := make(map[string]struct{})
	for _, e := range timeline {
		switch e.Decision {
		case domain.DecisionDeny:
			out.DenyCount++
		case domain.DecisionAllow:
			out.AllowCount++
		}
		if e.Policy != "" {
			if _, ok := seen[e.Policy]; !ok {
				seen[e.Policy] = struct{}{}
				out.PoliciesTriggered = append(out.PoliciesTriggered, e.Policy)
			}
		}
	}
	sort.Strings(out.PoliciesTriggered)
	out.Explanation = explanationText(out)

	return out, nil
}

func explanationText(s domain.SessionExplanation) string {
	if s.TotalEvents == 0 {
		return "No events recorded for this session."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Session recorded %d events: %d allowed, %d denied.", s.TotalEvents, s.AllowCount, s.DenyCount)
	if len(s.PoliciesTriggered) > 0 {
		fmt.Fprintf(&b, " Policies involved: %s.", strings.Join(s.PoliciesTriggered, ", "))
	}
	b.WriteString(" Every action passed through the policy engine and was recorded before the response.")
	return b.String()
}

// RecordExplanation считает сводку и дописывает ее в ledger событием EXPLAIN
func RecordExplanation(ctx context.Context, l Ledger, id, requestedBy string) (domain.SessionExplanation, error) {
	summary, err := ExplainSession(ctx, l, id)
	if err != nil {
		return summary, err
	}
	s, err := l.GetSession(ctx, id)
	if err != nil {
		return summary, err
	}

	_, err = l.LogEvent(ctx, EventRecord{
		SessionID: id,
		UserID:    s.UserID,
		Username:  s.Username,
		EventType: domain.EventExplain,
		Action:    "explain_session",
		State:     s.LastState,
		Source:    SourceConsole,
		Payload: map[string]any{
			"requested_by":       requestedBy,
			"total_events":       summary.TotalEvents,
			"allow_count":        summary.AllowCount,
			"deny_count":         summary.DenyCount,
			"policies_triggered": slices.Clone(summary.PoliciesTriggered),
		},
	})
	return summary, err
}
