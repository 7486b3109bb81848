package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `id, subscription_id, event_id, event_type, payload, emitted_at, delivery_status,
	response_code, response_message, attempts, max_attempts, next_retry, delivered_at, error,
	locked_until, created_at, updated_at, expires_at`

func (s *PostgresStore) CreateDelivery(ctx context.Context, rec *domain.DeliveryRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deliveries (id, subscription_id, event_id, event_type, payload, emitted_at,
			delivery_status, attempts, max_attempts, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.ID, rec.SubscriptionID, rec.EventID, string(rec.EventType), []byte(rec.Payload), rec.EmittedAt,
		string(rec.Status), rec.Attempts, rec.MaxAttempts, rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	if !uuidID(id) {
		return nil, domain.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1 AND expires_at > $2
	`, id, time.Now().UTC())
	rec, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return rec, nil
}

// ListDeliveries returns unexpired records matching filter, newest first.
func (s *PostgresStore) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]domain.DeliveryRecord, error) {
	if filter.SubscriptionID != "" && !uuidID(filter.SubscriptionID) {
		return []domain.DeliveryRecord{}, nil
	}

	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE expires_at > $1`
	args := []interface{}{time.Now().UTC()}
	argIdx := 2

	if filter.SubscriptionID != "" {
		query += fmt.Sprintf(" AND subscription_id = $%d", argIdx)
		args = append(args, filter.SubscriptionID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND delivery_status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	records := []domain.DeliveryRecord{}
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deliveries: %w", err)
	}
	return records, nil
}

// ClaimDelivery takes the lease with a single conditional update so two
// workers can never both win it.
func (s *PostgresStore) ClaimDelivery(ctx context.Context, id string, now, leaseUntil time.Time) (*domain.DeliveryRecord, error) {
	if !uuidID(id) {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE deliveries SET locked_until = $3
		WHERE id = $1
		  AND expires_at > $2
		  AND (delivery_status = 'pending'
		       OR (delivery_status = 'retry' AND (next_retry IS NULL OR next_retry <= $2)))
		  AND (locked_until IS NULL OR locked_until <= $2)
		RETURNING `+deliveryColumns, id, now, leaseUntil)
	rec, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming delivery: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ReleaseDelivery(ctx context.Context, id string, until time.Time) error {
	if !uuidID(id) {
		return domain.ErrNotFound
	}
	result, err := s.pool.Exec(ctx, `
		UPDATE deliveries SET locked_until = $2 WHERE id = $1 AND expires_at > $3
	`, id, until, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("releasing delivery: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SaveDeliveryOutcome only touches non-terminal records; anything else is stale.
func (s *PostgresStore) SaveDeliveryOutcome(ctx context.Context, rec *domain.DeliveryRecord) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE deliveries SET
			delivery_status = $2,
			response_code = $3,
			response_message = $4,
			attempts = $5,
			next_retry = $6,
			delivered_at = $7,
			error = $8,
			locked_until = NULL,
			updated_at = $9
		WHERE id = $1
		  AND delivery_status NOT IN ('delivered', 'failed')
		  AND expires_at > $10
	`, rec.ID, string(rec.Status), rec.ResponseCode, rec.ResponseMessage, rec.Attempts,
		rec.NextRetry, rec.DeliveredAt, rec.Error, rec.UpdatedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving delivery outcome: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// DueDeliveries joins on subscriptions so deactivated targets are skipped.
func (s *PostgresStore) DueDeliveries(ctx context.Context, now, pendingBefore time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id
		FROM deliveries d
		JOIN subscriptions s ON s.id = d.subscription_id
		WHERE s.is_active = true
		  AND d.expires_at > $1
		  AND (d.locked_until IS NULL OR d.locked_until <= $1)
		  AND ((d.delivery_status = 'retry' AND (d.next_retry IS NULL OR d.next_retry <= $1))
		       OR (d.delivery_status = 'pending' AND d.created_at <= $2))
		ORDER BY COALESCE(d.next_retry, d.created_at)
		LIMIT $3
	`, now, pendingBefore, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying due deliveries: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning due delivery: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating due deliveries: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) PurgeExpiredDeliveries(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM deliveries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purging expired deliveries: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanDelivery(row pgx.Row) (*domain.DeliveryRecord, error) {
	var (
		rec       domain.DeliveryRecord
		eventType string
		status    string
		payload   []byte
	)
	err := row.Scan(
		&rec.ID, &rec.SubscriptionID, &rec.EventID, &eventType, &payload, &rec.EmittedAt, &status,
		&rec.ResponseCode, &rec.ResponseMessage, &rec.Attempts, &rec.MaxAttempts, &rec.NextRetry,
		&rec.DeliveredAt, &rec.Error, &rec.LockedUntil, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	rec.EventType = domain.EventType(eventType)
	rec.Status = domain.DeliveryStatus(status)
	rec.Payload = payload
	return &rec, nil
}
