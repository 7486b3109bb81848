package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `id, name, url, secret, event_types, is_active, retry_attempts, timeout_ms,
	rate_limit_per_second, headers, created_by, total_triggers, successful_triggers, failed_triggers,
	last_triggered, last_error_message, last_error_at, last_error_status, created_at, updated_at`

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	headers, err := json.Marshal(headersOrEmpty(sub.Headers))
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO subscriptions (id, name, url, secret, event_types, is_active, retry_attempts,
			timeout_ms, rate_limit_per_second, headers, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, sub.ID, sub.Name, sub.URL, sub.Secret, eventTypeStrings(sub.EventTypes), sub.IsActive,
		sub.RetryAttempts, sub.TimeoutMs, sub.RateLimitPerSecond, headers, sub.CreatedBy,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	if !uuidID(id) {
		return nil, domain.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	headers, err := json.Marshal(headersOrEmpty(sub.Headers))
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET name = $2, url = $3, secret = $4, event_types = $5,
			retry_attempts = $6, timeout_ms = $7, rate_limit_per_second = $8, headers = $9, updated_at = $10
		WHERE id = $1
	`, sub.ID, sub.Name, sub.URL, sub.Secret, eventTypeStrings(sub.EventTypes),
		sub.RetryAttempts, sub.TimeoutMs, sub.RateLimitPerSecond, headers, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetSubscriptionActive(ctx context.Context, id string, active bool) error {
	if !uuidID(id) {
		return domain.ErrNotFound
	}
	result, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET is_active = $2, updated_at = $3 WHERE id = $1`,
		id, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("setting subscription active=%t: %w", active, err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordSuccess increments the counters in place and clears the last error.
func (s *PostgresStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			total_triggers = total_triggers + 1,
			successful_triggers = successful_triggers + 1,
			last_triggered = $2,
			last_error_message = NULL,
			last_error_at = NULL,
			last_error_status = NULL
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("recording success: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id string, lastErr domain.LastError) error {
	var status *int
	if lastErr.StatusCode != 0 {
		status = &lastErr.StatusCode
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			total_triggers = total_triggers + 1,
			failed_triggers = failed_triggers + 1,
			last_triggered = $2,
			last_error_message = $3,
			last_error_at = $2,
			last_error_status = $4
		WHERE id = $1
	`, id, lastErr.OccurredAt, lastErr.Message, status)
	if err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func collectSubscriptions(rows pgx.Rows) ([]domain.Subscription, error) {
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return subs, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub        domain.Subscription
		eventTypes []string
		headers    []byte
		errMessage *string
		errAt      *time.Time
		errStatus  *int
	)
	err := row.Scan(
		&sub.ID, &sub.Name, &sub.URL, &sub.Secret, &eventTypes, &sub.IsActive,
		&sub.RetryAttempts, &sub.TimeoutMs, &sub.RateLimitPerSecond, &headers, &sub.CreatedBy,
		&sub.Stats.TotalTriggers, &sub.Stats.SuccessfulTriggers, &sub.Stats.FailedTriggers,
		&sub.Stats.LastTriggered, &errMessage, &errAt, &errStatus,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.EventTypes = make([]domain.EventType, len(eventTypes))
	for i, t := range eventTypes {
		sub.EventTypes[i] = domain.EventType(t)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &sub.Headers); err != nil {
			return nil, fmt.Errorf("decoding headers: %w", err)
		}
		if len(sub.Headers) == 0 {
			sub.Headers = nil
		}
	}
	if errMessage != nil && errAt != nil {
		sub.Stats.LastError = &domain.LastError{Message: *errMessage, OccurredAt: *errAt}
		if errStatus != nil {
			sub.Stats.LastError.StatusCode = *errStatus
		}
	}
	return &sub, nil
}

func eventTypeStrings(types []domain.EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func headersOrEmpty(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
