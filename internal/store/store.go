package store

import (
	"context"
	"errors"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

// ErrStale is returned when an outcome targets a record that is already
// terminal or has expired.
var ErrStale = errors.New("delivery record is terminal or expired")

// DefaultListLimit caps list queries that do not specify a limit.
const DefaultListLimit = 50

// DeliveryFilter narrows ListDeliveries.
type DeliveryFilter struct {
	SubscriptionID string
	Status         domain.DeliveryStatus
	Limit          int
}

// Store persists subscriptions and delivery records. Lookups of missing
// entities return domain.ErrNotFound. Delivery records past their expiry are
// invisible to every read.
type Store interface {
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]domain.Subscription, error)
	// UpdateSubscription writes configuration fields only. Counters are
	// owned by RecordSuccess and RecordFailure, the active flag by
	// SetSubscriptionActive.
	UpdateSubscription(ctx context.Context, sub *domain.Subscription) error
	SetSubscriptionActive(ctx context.Context, id string, active bool) error
	FindActiveByEventType(ctx context.Context, eventType domain.EventType) ([]domain.Subscription, error)
	// RecordSuccess and RecordFailure apply atomic counter increments.
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, lastErr domain.LastError) error
	SubscriptionStatistics(ctx context.Context) (*domain.Statistics, error)

	CreateDelivery(ctx context.Context, rec *domain.DeliveryRecord) error
	GetDelivery(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]domain.DeliveryRecord, error)
	// ClaimDelivery leases a due, unlocked record until leaseUntil. It
	// returns nil without error when the record cannot be claimed.
	ClaimDelivery(ctx context.Context, id string, now, leaseUntil time.Time) (*domain.DeliveryRecord, error)
	// ReleaseDelivery keeps the record in its current state but blocks
	// claims until the given time.
	ReleaseDelivery(ctx context.Context, id string, until time.Time) error
	// SaveDeliveryOutcome persists an attempt result. Terminal records are
	// never overwritten; ErrStale is returned instead.
	SaveDeliveryOutcome(ctx context.Context, rec *domain.DeliveryRecord) error
	// DueDeliveries lists ids of retry records due at now and pending records
	// created before pendingBefore, restricted to active subscriptions.
	DueDeliveries(ctx context.Context, now, pendingBefore time.Time, limit int) ([]string, error)
	PurgeExpiredDeliveries(ctx context.Context, now time.Time) (int64, error)
	// DeliveryCounts returns live record counts keyed by status.
	DeliveryCounts(ctx context.Context) (map[domain.DeliveryStatus]int64, error)

	Ping(ctx context.Context) error
	Close()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MongoStore)(nil)
)

func listLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}
