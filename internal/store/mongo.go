package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	subscriptionsCollection = "webhook_subscriptions"
	deliveriesCollection    = "webhook_deliveries"
)

// MongoStore keeps subscriptions and deliveries as documents. Deliveries carry
// a TTL index on expires_at so the server drops them after retention; reads
// still filter on expires_at because the TTL monitor runs lazily.
type MongoStore struct {
	client        *mongo.Client
	subscriptions *mongo.Collection
	deliveries    *mongo.Collection
}

// NewMongo connects to MongoDB, pings it and ensures the indexes exist.
func NewMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	s := NewMongoStore(client, client.Database(database))
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating mongo indexes: %w", err)
	}
	return s, nil
}

// NewMongoStore wraps an existing client and database.
func NewMongoStore(client *mongo.Client, db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:        client,
		subscriptions: db.Collection(subscriptionsCollection),
		deliveries:    db.Collection(deliveriesCollection),
	}
}

// EnsureIndexes creates the lookup indexes and the retention TTL index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.subscriptions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "is_active", Value: 1}}},
		{Keys: bson.D{{Key: "event_types", Value: 1}}},
		{Keys: bson.D{{Key: "created_by", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.deliveries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "delivery_status", Value: 1}, {Key: "next_retry", Value: 1}}},
		{
			Keys:    bson.D{{Key: "subscription_id", Value: 1}, {Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	return err
}

func (s *MongoStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if _, err := s.subscriptions.InsertOne(ctx, sub); err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

func (s *MongoStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := s.subscriptions.FindOne(ctx, bson.M{"_id": id}).Decode(&sub)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return &sub, nil
}

func (s *MongoStore) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return s.findSubscriptions(ctx, bson.M{}, opts)
}

func (s *MongoStore) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	update := bson.M{
		"$set": bson.M{
			"name":                  sub.Name,
			"url":                   sub.URL,
			"secret":                sub.Secret,
			"event_types":           sub.EventTypes,
			"retry_attempts":        sub.RetryAttempts,
			"timeout_ms":            sub.TimeoutMs,
			"rate_limit_per_second": sub.RateLimitPerSecond,
			"headers":               sub.Headers,
			"updated_at":            sub.UpdatedAt,
		},
	}
	result, err := s.subscriptions.UpdateOne(ctx, bson.M{"_id": sub.ID}, update)
	if err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MongoStore) SetSubscriptionActive(ctx context.Context, id string, active bool) error {
	update := bson.M{"$set": bson.M{"is_active": active, "updated_at": time.Now().UTC()}}
	result, err := s.subscriptions.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("setting subscription active=%t: %w", active, err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MongoStore) FindActiveByEventType(ctx context.Context, eventType domain.EventType) ([]domain.Subscription, error) {
	filter := bson.M{"is_active": true, "event_types": string(eventType)}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	return s.findSubscriptions(ctx, filter, opts)
}

// RecordSuccess applies $inc so concurrent outcomes never lose an update.
func (s *MongoStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	update := bson.M{
		"$inc":   bson.M{"stats.total_triggers": 1, "stats.successful_triggers": 1},
		"$set":   bson.M{"stats.last_triggered": at},
		"$unset": bson.M{"stats.last_error": ""},
	}
	return s.updateStats(ctx, id, update)
}

func (s *MongoStore) RecordFailure(ctx context.Context, id string, lastErr domain.LastError) error {
	update := bson.M{
		"$inc": bson.M{"stats.total_triggers": 1, "stats.failed_triggers": 1},
		"$set": bson.M{"stats.last_triggered": lastErr.OccurredAt, "stats.last_error": lastErr},
	}
	return s.updateStats(ctx, id, update)
}

func (s *MongoStore) updateStats(ctx context.Context, id string, update bson.M) error {
	result, err := s.subscriptions.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("updating subscription stats: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MongoStore) SubscriptionStatistics(ctx context.Context) (*domain.Statistics, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "active", Value: bson.D{{Key: "$sum", Value: bson.D{
				{Key: "$cond", Value: bson.A{"$is_active", 1, 0}},
			}}}},
			{Key: "total_triggers", Value: bson.D{{Key: "$sum", Value: "$stats.total_triggers"}}},
			{Key: "total_success", Value: bson.D{{Key: "$sum", Value: "$stats.successful_triggers"}}},
			{Key: "total_failures", Value: bson.D{{Key: "$sum", Value: "$stats.failed_triggers"}}},
		}}},
	}

	cursor, err := s.subscriptions.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregating subscription statistics: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Total         int64 `bson:"total"`
		Active        int64 `bson:"active"`
		TotalTriggers int64 `bson:"total_triggers"`
		TotalSuccess  int64 `bson:"total_success"`
		TotalFailures int64 `bson:"total_failures"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decoding subscription statistics: %w", err)
	}

	var st domain.Statistics
	if len(rows) > 0 {
		r := rows[0]
		st = domain.Statistics{
			Total:         r.Total,
			Active:        r.Active,
			Inactive:      r.Total - r.Active,
			TotalTriggers: r.TotalTriggers,
			TotalSuccess:  r.TotalSuccess,
			TotalFailures: r.TotalFailures,
		}
	}
	st.SuccessRate = domain.SuccessRate(st.TotalSuccess, st.TotalTriggers)
	return &st, nil
}

func (s *MongoStore) CreateDelivery(ctx context.Context, rec *domain.DeliveryRecord) error {
	if _, err := s.deliveries.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

func (s *MongoStore) GetDelivery(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	filter := bson.M{"_id": id, "expires_at": bson.M{"$gt": time.Now().UTC()}}

	var rec domain.DeliveryRecord
	if err := s.deliveries.FindOne(ctx, filter).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return &rec, nil
}

func (s *MongoStore) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]domain.DeliveryRecord, error) {
	q := bson.M{"expires_at": bson.M{"$gt": time.Now().UTC()}}
	if filter.SubscriptionID != "" {
		q["subscription_id"] = filter.SubscriptionID
	}
	if filter.Status != "" {
		q["delivery_status"] = string(filter.Status)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(listLimit(filter.Limit)))

	cursor, err := s.deliveries.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer cursor.Close(ctx)

	records := []domain.DeliveryRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decoding deliveries: %w", err)
	}
	return records, nil
}

func (s *MongoStore) ClaimDelivery(ctx context.Context, id string, now, leaseUntil time.Time) (*domain.DeliveryRecord, error) {
	filter := bson.M{
		"_id":        id,
		"expires_at": bson.M{"$gt": now},
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"delivery_status": string(domain.DeliveryPending)},
				bson.M{
					"delivery_status": string(domain.DeliveryRetry),
					"$or": bson.A{
						bson.M{"next_retry": bson.M{"$exists": false}},
						bson.M{"next_retry": bson.M{"$lte": now}},
					},
				},
			}},
			bson.M{"$or": bson.A{
				bson.M{"locked_until": bson.M{"$exists": false}},
				bson.M{"locked_until": bson.M{"$lte": now}},
			}},
		},
	}
	update := bson.M{"$set": bson.M{"locked_until": leaseUntil}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var rec domain.DeliveryRecord
	err := s.deliveries.FindOneAndUpdate(ctx, filter, update, opts).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming delivery: %w", err)
	}
	return &rec, nil
}

func (s *MongoStore) ReleaseDelivery(ctx context.Context, id string, until time.Time) error {
	filter := bson.M{"_id": id, "expires_at": bson.M{"$gt": time.Now().UTC()}}
	result, err := s.deliveries.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"locked_until": until}})
	if err != nil {
		return fmt.Errorf("releasing delivery: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MongoStore) SaveDeliveryOutcome(ctx context.Context, rec *domain.DeliveryRecord) error {
	filter := bson.M{
		"_id":             rec.ID,
		"expires_at":      bson.M{"$gt": time.Now().UTC()},
		"delivery_status": bson.M{"$nin": bson.A{string(domain.DeliveryDelivered), string(domain.DeliveryFailed)}},
	}

	set := bson.M{
		"delivery_status":  string(rec.Status),
		"response_code":    rec.ResponseCode,
		"response_message": rec.ResponseMessage,
		"attempts":         rec.Attempts,
		"error":            rec.Error,
		"updated_at":       rec.UpdatedAt,
	}
	unset := bson.M{"locked_until": ""}
	if rec.NextRetry != nil {
		set["next_retry"] = *rec.NextRetry
	} else {
		unset["next_retry"] = ""
	}
	if rec.DeliveredAt != nil {
		set["delivered_at"] = *rec.DeliveredAt
	}

	result, err := s.deliveries.UpdateOne(ctx, filter, bson.M{"$set": set, "$unset": unset})
	if err != nil {
		return fmt.Errorf("saving delivery outcome: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrStale
	}
	return nil
}

// DueDeliveries resolves active subscription ids first since documents cannot
// be joined in a plain find.
func (s *MongoStore) DueDeliveries(ctx context.Context, now, pendingBefore time.Time, limit int) ([]string, error) {
	active, err := s.subscriptions.Distinct(ctx, "_id", bson.M{"is_active": true})
	if err != nil {
		return nil, fmt.Errorf("listing active subscriptions: %w", err)
	}
	if len(active) == 0 {
		return []string{}, nil
	}

	filter := bson.M{
		"subscription_id": bson.M{"$in": active},
		"expires_at":      bson.M{"$gt": now},
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"locked_until": bson.M{"$exists": false}},
				bson.M{"locked_until": bson.M{"$lte": now}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"delivery_status": string(domain.DeliveryRetry), "next_retry": bson.M{"$lte": now}},
				bson.M{"delivery_status": string(domain.DeliveryPending), "created_at": bson.M{"$lte": pendingBefore}},
			}},
		},
	}
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(int64(listLimit(limit)))

	cursor, err := s.deliveries.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("querying due deliveries: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding due deliveries: %w", err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

func (s *MongoStore) PurgeExpiredDeliveries(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.deliveries.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now}})
	if err != nil {
		return 0, fmt.Errorf("purging expired deliveries: %w", err)
	}
	return result.DeletedCount, nil
}

func (s *MongoStore) DeliveryCounts(ctx context.Context) (map[domain.DeliveryStatus]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: time.Now().UTC()}}}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$delivery_status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := s.deliveries.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregating delivery counts: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status string `bson:"_id"`
		Count  int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decoding delivery counts: %w", err)
	}

	counts := make(map[domain.DeliveryStatus]int64, len(rows))
	for _, r := range rows {
		counts[domain.DeliveryStatus(r.Status)] = r.Count
	}
	return counts, nil
}

// Ping checks the connection to the primary.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.client.Disconnect(ctx)
}

func (s *MongoStore) findSubscriptions(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]domain.Subscription, error) {
	cursor, err := s.subscriptions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer cursor.Close(ctx)

	subs := []domain.Subscription{}
	if err := cursor.All(ctx, &subs); err != nil {
		return nil, fmt.Errorf("decoding subscriptions: %w", err)
	}
	return subs, nil
}
