package domain

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

const (
	DefaultRetryAttempts = 3
	MaxRetryAttempts     = 10
	DefaultTimeoutMs     = 30_000
	MinTimeoutMs         = 1_000
	MaxTimeoutMs         = 120_000

	// ErrorStatusWindow is how long a recorded error keeps a subscription in
	// the error status.
	ErrorStatusWindow = 5 * time.Minute
)

// Header names set by the dispatcher on every delivery. Subscription headers
// may not use them.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderID        = "X-Webhook-Id"
	HeaderEvent     = "X-Webhook-Event"
	HeaderEventID   = "X-Webhook-Event-Id"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

var reservedHeaders = map[string]struct{}{
	"Content-Type":   {},
	"Content-Length": {},
	"Host":           {},
	"User-Agent":     {},
	HeaderSignature:  {},
	HeaderID:         {},
	HeaderEvent:      {},
	HeaderEventID:    {},
	HeaderDelivery:   {},
	HeaderAttempt:    {},
	HeaderTimestamp:  {},
}

// SubscriptionStatus is derived from the active flag and the last error.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusInactive SubscriptionStatus = "inactive"
	StatusError    SubscriptionStatus = "error"
)

// LastError is the most recent failed attempt against a subscription.
type LastError struct {
	Message    string    `json:"message" bson:"message"`
	OccurredAt time.Time `json:"occurred_at" bson:"occurred_at"`
	StatusCode int       `json:"status_code,omitempty" bson:"status_code,omitempty"`
}

// Stats are the rolling counters of a subscription. They only grow.
type Stats struct {
	TotalTriggers      int64      `json:"total_triggers" bson:"total_triggers"`
	SuccessfulTriggers int64      `json:"successful_triggers" bson:"successful_triggers"`
	FailedTriggers     int64      `json:"failed_triggers" bson:"failed_triggers"`
	LastTriggered      *time.Time `json:"last_triggered,omitempty" bson:"last_triggered,omitempty"`
	LastError          *LastError `json:"last_error,omitempty" bson:"last_error,omitempty"`
}

// Subscription is a registered webhook target with its delivery policy.
type Subscription struct {
	ID                 string            `json:"id" bson:"_id"`
	Name               string            `json:"name" bson:"name"`
	URL                string            `json:"url" bson:"url"`
	Secret             string            `json:"-" bson:"secret"`
	EventTypes         []EventType       `json:"event_types" bson:"event_types"`
	IsActive           bool              `json:"is_active" bson:"is_active"`
	RetryAttempts      int               `json:"retry_attempts" bson:"retry_attempts"`
	TimeoutMs          int               `json:"timeout_ms" bson:"timeout_ms"`
	RateLimitPerSecond int               `json:"rate_limit_per_second" bson:"rate_limit_per_second"`
	Headers            map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
	CreatedBy          string            `json:"created_by,omitempty" bson:"created_by,omitempty"`
	Stats              Stats             `json:"stats" bson:"stats"`
	CreatedAt          time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" bson:"updated_at"`
}

// SuccessRate is the percentage of successful triggers, 0 when nothing was sent.
func (s *Subscription) SuccessRate() float64 {
	return SuccessRate(s.Stats.SuccessfulTriggers, s.Stats.TotalTriggers)
}

// Status derives the subscription health at the given instant.
func (s *Subscription) Status(now time.Time) SubscriptionStatus {
	if !s.IsActive {
		return StatusInactive
	}
	if le := s.Stats.LastError; le != nil && now.Sub(le.OccurredAt) < ErrorStatusWindow {
		return StatusError
	}
	return StatusActive
}

// Subscribes reports whether t is among the subscribed event types.
func (s *Subscription) Subscribes(t EventType) bool {
	for _, et := range s.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Timeout returns the per-attempt request timeout.
func (s *Subscription) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// SuccessRate returns success/total as a percentage clamped to [0, 100].
func SuccessRate(success, total int64) float64 {
	if total <= 0 || success <= 0 {
		return 0
	}
	if success >= total {
		return 100
	}
	return float64(success) / float64(total) * 100
}

// RegisterOptions carries the optional parts of a registration.
type RegisterOptions struct {
	Name               string            `json:"name"`
	Secret             string            `json:"secret,omitempty"`
	RetryAttempts      *int              `json:"retry_attempts,omitempty"`
	TimeoutMs          *int              `json:"timeout_ms,omitempty"`
	RateLimitPerSecond int               `json:"rate_limit_per_second,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	CreatedBy          string            `json:"created_by,omitempty"`
}

// SubscriptionPatch lists the fields an update may change. Nil means unchanged.
type SubscriptionPatch struct {
	Name               *string            `json:"name,omitempty"`
	URL                *string            `json:"url,omitempty"`
	EventTypes         *[]EventType       `json:"event_types,omitempty"`
	RetryAttempts      *int               `json:"retry_attempts,omitempty"`
	TimeoutMs          *int               `json:"timeout_ms,omitempty"`
	RateLimitPerSecond *int               `json:"rate_limit_per_second,omitempty"`
	Headers            *map[string]string `json:"headers,omitempty"`
}

// Statistics aggregates counters over all subscriptions.
type Statistics struct {
	Total         int64   `json:"total"`
	Active        int64   `json:"active"`
	Inactive      int64   `json:"inactive"`
	TotalTriggers int64   `json:"total_triggers"`
	TotalSuccess  int64   `json:"total_success"`
	TotalFailures int64   `json:"total_failures"`
	SuccessRate   float64 `json:"success_rate"`
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return &ValidationError{Field: "url", Message: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Message: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "url", Message: "host is required"}
	}
	return nil
}

// ValidateEventTypes requires at least one known type and drops duplicates.
func ValidateEventTypes(types []EventType) ([]EventType, error) {
	if len(types) == 0 {
		return nil, &ValidationError{Field: "event_types", Message: "at least one event type is required"}
	}
	seen := make(map[EventType]struct{}, len(types))
	out := make([]EventType, 0, len(types))
	for _, t := range types {
		if !t.Valid() {
			return nil, &ValidationError{Field: "event_types", Message: fmt.Sprintf("unknown event type %q", t)}
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func ValidateRetryAttempts(n int) error {
	if n < 0 || n > MaxRetryAttempts {
		return &ValidationError{Field: "retry_attempts", Message: fmt.Sprintf("must be between 0 and %d", MaxRetryAttempts)}
	}
	return nil
}

func ValidateTimeoutMs(n int) error {
	if n < MinTimeoutMs || n > MaxTimeoutMs {
		return &ValidationError{Field: "timeout_ms", Message: fmt.Sprintf("must be between %d and %d", MinTimeoutMs, MaxTimeoutMs)}
	}
	return nil
}

func ValidateRateLimit(n int) error {
	if n < 0 {
		return &ValidationError{Field: "rate_limit_per_second", Message: "must not be negative"}
	}
	return nil
}

// ValidateHeaders rejects malformed names and values and names the
// dispatcher sets itself.
func ValidateHeaders(headers map[string]string) error {
	for name, value := range headers {
		if !httpguts.ValidHeaderFieldName(name) {
			return &ValidationError{Field: "headers", Message: fmt.Sprintf("invalid header name %q", name)}
		}
		if _, reserved := reservedHeaders[http.CanonicalHeaderKey(name)]; reserved {
			return &ValidationError{Field: "headers", Message: fmt.Sprintf("header %q is reserved", name)}
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return &ValidationError{Field: "headers", Message: fmt.Sprintf("invalid value for header %q", name)}
		}
	}
	return nil
}
