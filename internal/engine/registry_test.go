package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
)

func intPtr(n int) *int { return &n }

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore(nil)
	return NewRegistry(s, testLogger()), s
}

func TestRegistry_RegisterDefaults(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sub, err := r.Register(ctx, "https://crm.example.com/hooks", []domain.EventType{domain.EventConsentGranted}, domain.RegisterOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if !sub.IsActive {
		t.Error("new subscription should be active")
	}
	if sub.RetryAttempts != domain.DefaultRetryAttempts || sub.TimeoutMs != domain.DefaultTimeoutMs {
		t.Errorf("defaults = %d/%d", sub.RetryAttempts, sub.TimeoutMs)
	}
	if !strings.HasPrefix(sub.Secret, secretPrefix) || len(sub.Secret) != len(secretPrefix)+2*secretBytes {
		t.Errorf("generated secret %q has unexpected shape", sub.Secret)
	}
	if sub.Name != "crm.example.com" {
		t.Errorf("name = %q, want host fallback", sub.Name)
	}

	other, _ := r.Register(ctx, "https://crm.example.com/hooks", []domain.EventType{domain.EventConsentGranted}, domain.RegisterOptions{})
	if other.Secret == sub.Secret {
		t.Error("generated secrets must differ")
	}
}

func TestRegistry_RegisterRejectsAndPersistsNothing(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		types []domain.EventType
		opts  domain.RegisterOptions
		field string
	}{
		{"ftp url", "ftp://example.com", []domain.EventType{domain.EventConsentGranted}, domain.RegisterOptions{}, "url"},
		{"no event types", "https://example.com", nil, domain.RegisterOptions{}, "event_types"},
		{"unknown event type", "https://example.com", []domain.EventType{"order.created"}, domain.RegisterOptions{}, "event_types"},
		{"retries too high", "https://example.com", []domain.EventType{domain.EventConsentGranted}, domain.RegisterOptions{RetryAttempts: intPtr(11)}, "retry_attempts"},
		{"timeout too low", "https://example.com", []domain.EventType{domain.EventConsentGranted}, domain.RegisterOptions{TimeoutMs: intPtr(10)}, "timeout_ms"},
		{"reserved header", "https://example.com", []domain.EventType{domain.EventConsentGranted}, domain.RegisterOptions{Headers: map[string]string{"x-webhook-signature": "forged"}}, "headers"},
		{"header value with crlf", "https://example.com", []domain.EventType{domain.EventConsentGranted}, domain.RegisterOptions{Headers: map[string]string{"X-Tenant": "a\r\nb"}}, "headers"},
		{"short secret", "https://example.com", []domain.EventType{domain.EventConsentGranted}, domain.RegisterOptions{Secret: "short"}, "secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, s := newTestRegistry(t)
			ctx := context.Background()

			_, err := r.Register(ctx, tt.url, tt.types, tt.opts)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}

			subs, _ := s.ListSubscriptions(ctx)
			if len(subs) != 0 {
				t.Errorf("rejected registration persisted %d subscriptions", len(subs))
			}
		})
	}
}

func TestRegistry_ZeroRetriesAllowed(t *testing.T) {
	r, _ := newTestRegistry(t)
	sub, err := r.Register(context.Background(), "https://example.com", []domain.EventType{domain.EventDSARCreated}, domain.RegisterOptions{RetryAttempts: intPtr(0)})
	if err != nil {
		t.Fatal(err)
	}
	if sub.RetryAttempts != 0 {
		t.Errorf("retry attempts = %d, want 0", sub.RetryAttempts)
	}
}

func TestRegistry_Update(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	sub, _ := r.Register(ctx, "https://example.com/a", []domain.EventType{domain.EventConsentGranted}, domain.RegisterOptions{})

	newURL := "https://example.com/b"
	types := []domain.EventType{domain.EventDSARCompleted}
	updated, err := r.Update(ctx, sub.ID, domain.SubscriptionPatch{URL: &newURL, EventTypes: &types, RetryAttempts: intPtr(5)})
	if err != nil {
		t.Fatal(err)
	}
	if updated.URL != newURL || updated.RetryAttempts != 5 || !updated.Subscribes(domain.EventDSARCompleted) || updated.Subscribes(domain.EventConsentGranted) {
		t.Errorf("update not applied: %+v", updated)
	}
	if updated.Secret != sub.Secret {
		t.Error("update must not change the secret")
	}

	bad := "javascript:alert(1)"
	if _, err := r.Update(ctx, sub.ID, domain.SubscriptionPatch{URL: &bad}); err == nil {
		t.Error("update must re-validate the url")
	}
	got, _ := r.Get(ctx, sub.ID)
	if got.URL != newURL {
		t.Errorf("rejected update changed url to %q", got.URL)
	}

	if _, err := r.Update(ctx, "missing", domain.SubscriptionPatch{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing id error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_DeactivateReactivate(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	sub, _ := r.Register(ctx, "https://example.com", []domain.EventType{domain.EventConsentGranted}, domain.RegisterOptions{})

	got, err := r.Deactivate(ctx, sub.ID)
	if err != nil || got.IsActive {
		t.Fatalf("Deactivate = %+v, %v", got, err)
	}
	matched, _ := r.FindActiveByEventType(ctx, domain.EventConsentGranted)
	if len(matched) != 0 {
		t.Error("inactive subscription must not match")
	}

	got, err = r.Reactivate(ctx, sub.ID)
	if err != nil || !got.IsActive {
		t.Fatalf("Reactivate = %+v, %v", got, err)
	}
	matched, _ = r.FindActiveByEventType(ctx, domain.EventConsentGranted)
	if len(matched) != 1 {
		t.Error("reactivated subscription should match again")
	}
}

func TestRegistry_RotateSecret(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	sub, _ := r.Register(ctx, "https://example.com", []domain.EventType{domain.EventConsentGranted}, domain.RegisterOptions{Secret: "a-supplied-secret-value"})

	rotated, err := r.RotateSecret(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rotated.Secret == sub.Secret || !strings.HasPrefix(rotated.Secret, secretPrefix) {
		t.Errorf("secret not rotated: %q", rotated.Secret)
	}
	got, _ := r.Get(ctx, sub.ID)
	if got.Secret != rotated.Secret {
		t.Error("rotated secret not persisted")
	}
}

// deactivatingStore deactivates the subscription right after it is read,
// as a concurrent Deactivate would.
type deactivatingStore struct {
	*store.MemoryStore
	armed bool
}

func (s *deactivatingStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := s.MemoryStore.GetSubscription(ctx, id)
	if err == nil && s.armed {
		s.armed = false
		if err := s.MemoryStore.SetSubscriptionActive(ctx, id, false); err != nil {
			return nil, err
		}
	}
	return sub, err
}

func TestRegistry_WritesDoNotUndoDeactivation(t *testing.T) {
	tests := []struct {
		name  string
		write func(r *Registry, id string) (*domain.Subscription, error)
	}{
		{"update", func(r *Registry, id string) (*domain.Subscription, error) {
			name := "renamed"
			return r.Update(context.Background(), id, domain.SubscriptionPatch{Name: &name})
		}},
		{"rotate secret", func(r *Registry, id string) (*domain.Subscription, error) {
			return r.RotateSecret(context.Background(), id)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &deactivatingStore{MemoryStore: store.NewMemoryStore(nil)}
			r := NewRegistry(s, testLogger())
			ctx := context.Background()

			sub, err := r.Register(ctx, "https://example.com", []domain.EventType{domain.EventConsentGranted}, domain.RegisterOptions{})
			if err != nil {
				t.Fatal(err)
			}

			s.armed = true
			got, err := tt.write(r, sub.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.IsActive {
				t.Error("returned subscription should reflect the deactivation")
			}

			stored, _ := s.MemoryStore.GetSubscription(ctx, sub.ID)
			if stored.IsActive {
				t.Error("write re-activated a deactivated subscription")
			}
			matched, _ := r.FindActiveByEventType(ctx, domain.EventConsentGranted)
			if len(matched) != 0 {
				t.Errorf("deactivated subscription still matches: %d", len(matched))
			}
		})
	}
}
