package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

// Envelope is the JSON body posted to subscribers.
type Envelope struct {
	Event     domain.EventType `json:"event"`
	Timestamp string           `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
}

// EncodeEnvelope renders the wire body for ev. The timestamp is the emission
// time, so every retry of the same record sends identical bytes.
func EncodeEnvelope(ev domain.Event) ([]byte, error) {
	data := ev.Payload
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(Envelope{
		Event:     ev.Type,
		Timestamp: ev.EmittedAt.UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return body, nil
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body in constant time.
func Verify(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
