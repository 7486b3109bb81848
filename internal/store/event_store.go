package store

import (
	"context"
	"fmt"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

// FindActiveByEventType finds all active subscriptions whose event type set
// contains eventType.
func (s *PostgresStore) FindActiveByEventType(ctx context.Context, eventType domain.EventType) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE is_active = true
		  AND event_types @> ARRAY[$1]::text[]
		ORDER BY created_at
	`, string(eventType))
	if err != nil {
		return nil, fmt.Errorf("finding matching subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}
