package domain

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// DeliveryRetention is how long a delivery record stays retrievable.
const DeliveryRetention = 30 * 24 * time.Hour

// maxResponseMessage bounds the stored response body excerpt.
const maxResponseMessage = 1024

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRetry     DeliveryStatus = "retry"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// ParseDeliveryStatus returns the status named by raw, or an error for unknown names.
func ParseDeliveryStatus(raw string) (DeliveryStatus, error) {
	switch s := DeliveryStatus(raw); s {
	case DeliveryPending, DeliveryDelivered, DeliveryFailed, DeliveryRetry:
		return s, nil
	}
	return "", &ValidationError{Field: "status", Message: "unknown delivery status " + raw}
}

// DeliveryRecord tracks delivering one event to one subscription.
//
// Attempts counts retries consumed; the first attempt is not counted. A record
// therefore sees at most MaxAttempts+1 requests.
type DeliveryRecord struct {
	ID              string          `json:"id" bson:"_id"`
	SubscriptionID  string          `json:"subscription_id" bson:"subscription_id"`
	EventID         string          `json:"event_id" bson:"event_id"`
	EventType       EventType       `json:"event_type" bson:"event_type"`
	Payload         json.RawMessage `json:"payload" bson:"payload"`
	EmittedAt       time.Time       `json:"emitted_at" bson:"emitted_at"`
	Status          DeliveryStatus  `json:"delivery_status" bson:"delivery_status"`
	ResponseCode    int             `json:"response_code,omitempty" bson:"response_code,omitempty"`
	ResponseMessage string          `json:"response_message,omitempty" bson:"response_message,omitempty"`
	Attempts        int             `json:"attempts" bson:"attempts"`
	MaxAttempts     int             `json:"max_attempts" bson:"max_attempts"`
	NextRetry       *time.Time      `json:"next_retry,omitempty" bson:"next_retry,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty" bson:"delivered_at,omitempty"`
	Error           string          `json:"error,omitempty" bson:"error,omitempty"`
	LockedUntil     *time.Time      `json:"-" bson:"locked_until,omitempty"`
	CreatedAt       time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" bson:"updated_at"`
	ExpiresAt       time.Time       `json:"expires_at" bson:"expires_at"`
}

// NewDeliveryRecord creates the pending record for ev against sub. The retry
// ceiling is copied so later subscription edits do not affect it.
func NewDeliveryRecord(id string, sub *Subscription, ev Event, now time.Time) *DeliveryRecord {
	return &DeliveryRecord{
		ID:             id,
		SubscriptionID: sub.ID,
		EventID:        ev.ID,
		EventType:      ev.Type,
		Payload:        ev.Payload,
		EmittedAt:      ev.EmittedAt,
		Status:         DeliveryPending,
		MaxAttempts:    sub.RetryAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(DeliveryRetention),
	}
}

// Event rebuilds the emitted event this record carries.
func (d *DeliveryRecord) Event() Event {
	return Event{
		ID:        d.EventID,
		Type:      d.EventType,
		Payload:   d.Payload,
		EmittedAt: d.EmittedAt,
	}
}

// Expired reports whether the record is past its retention window.
func (d *DeliveryRecord) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// Due reports whether the record is waiting for an attempt at now.
func (d *DeliveryRecord) Due(now time.Time) bool {
	switch d.Status {
	case DeliveryPending:
		return true
	case DeliveryRetry:
		return d.NextRetry == nil || !d.NextRetry.After(now)
	}
	return false
}

// MarkDelivered records a 2xx response. It is a no-op on terminal records.
func (d *DeliveryRecord) MarkDelivered(code int, body string, now time.Time) {
	if d.Status.Terminal() {
		return
	}
	d.Status = DeliveryDelivered
	d.ResponseCode = code
	d.ResponseMessage = responseExcerpt(body, maxResponseMessage)
	d.DeliveredAt = &now
	d.NextRetry = nil
	d.Error = ""
	d.LockedUntil = nil
	d.UpdatedAt = now
}

// MarkFailed records a failed attempt. While retries remain it moves to retry
// and schedules the next attempt using backoff(attempts); otherwise it becomes
// terminal failed and returns an ExhaustionError.
func (d *DeliveryRecord) MarkFailed(failure *DeliveryError, body string, now time.Time, backoff func(attempt int) time.Duration) error {
	if d.Status.Terminal() {
		return nil
	}
	d.ResponseCode = failure.StatusCode
	d.ResponseMessage = responseExcerpt(body, maxResponseMessage)
	d.Error = failure.Error()
	d.LockedUntil = nil
	d.UpdatedAt = now

	if d.Attempts >= d.MaxAttempts {
		d.Status = DeliveryFailed
		d.NextRetry = nil
		return &ExhaustionError{Attempts: d.Attempts, Last: failure}
	}

	d.Attempts++
	next := now.Add(backoff(d.Attempts))
	d.Status = DeliveryRetry
	d.NextRetry = &next
	return nil
}

// responseExcerpt keeps at most n bytes of a response body as valid UTF-8
// without NUL bytes, so every store can hold it as text.
func responseExcerpt(body string, n int) string {
	s := strings.ToValidUTF8(strings.ReplaceAll(body, "\x00", ""), "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
