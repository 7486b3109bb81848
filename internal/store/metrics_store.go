package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

// SubscriptionStatistics aggregates the subscription counters in one query.
func (s *PostgresStore) SubscriptionStatistics(ctx context.Context) (*domain.Statistics, error) {
	var st domain.Statistics
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE NOT is_active),
			COALESCE(SUM(total_triggers), 0)::BIGINT,
			COALESCE(SUM(successful_triggers), 0)::BIGINT,
			COALESCE(SUM(failed_triggers), 0)::BIGINT
		FROM subscriptions
	`).Scan(&st.Total, &st.Active, &st.Inactive, &st.TotalTriggers, &st.TotalSuccess, &st.TotalFailures)
	if err != nil {
		return nil, fmt.Errorf("querying subscription statistics: %w", err)
	}

	st.SuccessRate = domain.SuccessRate(st.TotalSuccess, st.TotalTriggers)
	return &st, nil
}

// DeliveryCounts groups unexpired delivery records by status.
func (s *PostgresStore) DeliveryCounts(ctx context.Context) (map[domain.DeliveryStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT delivery_status, COUNT(*)
		FROM deliveries
		WHERE expires_at > $1
		GROUP BY delivery_status
	`, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("querying delivery counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.DeliveryStatus]int64, 4)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning delivery count: %w", err)
		}
		counts[domain.DeliveryStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery counts: %w", err)
	}
	return counts, nil
}
