package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// EventType names a lifecycle transition that subscribers can register for.
type EventType string

const (
	EventConsentGranted       EventType = "consent.granted"
	EventConsentWithdrawn     EventType = "consent.withdrawn"
	EventConsentUpdated       EventType = "consent.updated"
	EventConsentExpired       EventType = "consent.expired"
	EventDSARCreated          EventType = "dsar.created"
	EventDSARUpdated          EventType = "dsar.updated"
	EventDSARCompleted        EventType = "dsar.completed"
	EventDSARRejected         EventType = "dsar.rejected"
	EventPrivacyNoticeCreated EventType = "privacy.notice.created"
	EventPrivacyNoticeUpdated EventType = "privacy.notice.updated"
	EventPreferenceUpdated    EventType = "preference.updated"
	EventUserCreated          EventType = "user.created"
	EventUserDeleted          EventType = "user.deleted"
	EventBulkImportCompleted  EventType = "bulk.import.completed"
	EventBulkImportFailed     EventType = "bulk.import.failed"

	// EventWebhookTest is only sent by the connectivity test and cannot be subscribed to.
	EventWebhookTest EventType = "webhook.test"
)

var subscribableEvents = []EventType{
	EventConsentGranted,
	EventConsentWithdrawn,
	EventConsentUpdated,
	EventConsentExpired,
	EventDSARCreated,
	EventDSARUpdated,
	EventDSARCompleted,
	EventDSARRejected,
	EventPrivacyNoticeCreated,
	EventPrivacyNoticeUpdated,
	EventPreferenceUpdated,
	EventUserCreated,
	EventUserDeleted,
	EventBulkImportCompleted,
	EventBulkImportFailed,
}

// EventTypes returns every event type a subscription may register for.
func EventTypes() []EventType {
	return slices.Clone(subscribableEvents)
}

// Valid reports whether t is part of the subscribable enumeration.
func (t EventType) Valid() bool {
	return slices.Contains(subscribableEvents, t)
}

func (t EventType) String() string {
	return string(t)
}

// ParseEventType converts raw input into a known event type.
func ParseEventType(raw string) (EventType, error) {
	t := EventType(strings.TrimSpace(raw))
	if !t.Valid() {
		return "", &ValidationError{Field: "event_type", Message: fmt.Sprintf("unknown event type %q", raw)}
	}
	return t, nil
}

// Event is one emitted occurrence of a domain event.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
}
