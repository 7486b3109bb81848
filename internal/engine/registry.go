package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"strings"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/google/uuid"
)

const (
	secretPrefix    = "whsec_"
	secretBytes     = 32
	minSecretLength = 16
)

// Registry owns subscription lifecycle and validation.
type Registry struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a subscription registry over the given store.
func NewRegistry(s store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  s,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register validates and persists a new active subscription. Nothing is
// written when validation fails.
func (r *Registry) Register(ctx context.Context, rawURL string, eventTypes []domain.EventType, opts domain.RegisterOptions) (*domain.Subscription, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := domain.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	types, err := domain.ValidateEventTypes(eventTypes)
	if err != nil {
		return nil, err
	}

	retries := domain.DefaultRetryAttempts
	if opts.RetryAttempts != nil {
		retries = *opts.RetryAttempts
	}
	if err := domain.ValidateRetryAttempts(retries); err != nil {
		return nil, err
	}

	timeout := domain.DefaultTimeoutMs
	if opts.TimeoutMs != nil {
		timeout = *opts.TimeoutMs
	}
	if err := domain.ValidateTimeoutMs(timeout); err != nil {
		return nil, err
	}
	if err := domain.ValidateRateLimit(opts.RateLimitPerSecond); err != nil {
		return nil, err
	}
	if err := domain.ValidateHeaders(opts.Headers); err != nil {
		return nil, err
	}

	secret := opts.Secret
	if secret == "" {
		if secret, err = generateSecret(); err != nil {
			return nil, fmt.Errorf("generating secret: %w", err)
		}
	} else if len(secret) < minSecretLength {
		return nil, &domain.ValidationError{Field: "secret", Message: fmt.Sprintf("must be at least %d characters", minSecretLength)}
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		u, _ := url.Parse(rawURL)
		name = u.Host
	}

	now := r.now()
	sub := &domain.Subscription{
		ID:                 uuid.NewString(),
		Name:               name,
		URL:                rawURL,
		Secret:             secret,
		EventTypes:         types,
		IsActive:           true,
		RetryAttempts:      retries,
		TimeoutMs:          timeout,
		RateLimitPerSecond: opts.RateLimitPerSecond,
		Headers:            maps.Clone(opts.Headers),
		CreatedBy:          opts.CreatedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("creating subscription: %w", err)
	}

	r.logger.Info("subscription registered",
		"subscription_id", sub.ID,
		"url", sub.URL,
		"event_types", sub.EventTypes,
	)
	return sub, nil
}

// Get returns the subscription or domain.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	return r.store.GetSubscription(ctx, id)
}

// List returns every subscription, active or not.
func (r *Registry) List(ctx context.Context) ([]domain.Subscription, error) {
	return r.store.ListSubscriptions(ctx)
}

// Update applies patch after re-validating every changed field. Existing
// delivery records keep the retry ceiling they were created with.
func (r *Registry) Update(ctx context.Context, id string, patch domain.SubscriptionPatch) (*domain.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		sub.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.URL != nil {
		u := strings.TrimSpace(*patch.URL)
		if err := domain.ValidateURL(u); err != nil {
			return nil, err
		}
		sub.URL = u
	}
	if patch.EventTypes != nil {
		types, err := domain.ValidateEventTypes(*patch.EventTypes)
		if err != nil {
			return nil, err
		}
		sub.EventTypes = types
	}
	if patch.RetryAttempts != nil {
		if err := domain.ValidateRetryAttempts(*patch.RetryAttempts); err != nil {
			return nil, err
		}
		sub.RetryAttempts = *patch.RetryAttempts
	}
	if patch.TimeoutMs != nil {
		if err := domain.ValidateTimeoutMs(*patch.TimeoutMs); err != nil {
			return nil, err
		}
		sub.TimeoutMs = *patch.TimeoutMs
	}
	if patch.RateLimitPerSecond != nil {
		if err := domain.ValidateRateLimit(*patch.RateLimitPerSecond); err != nil {
			return nil, err
		}
		sub.RateLimitPerSecond = *patch.RateLimitPerSecond
	}
	if patch.Headers != nil {
		if err := domain.ValidateHeaders(*patch.Headers); err != nil {
			return nil, err
		}
		sub.Headers = maps.Clone(*patch.Headers)
	}

	sub.UpdatedAt = r.now()
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("updating subscription: %w", err)
	}

	r.logger.Info("subscription updated", "subscription_id", sub.ID)
	return r.store.GetSubscription(ctx, sub.ID)
}

// Deactivate stops matching and retry sweeps for the subscription. Existing
// delivery records are left as they are.
func (r *Registry) Deactivate(ctx context.Context, id string) (*domain.Subscription, error) {
	return r.setActive(ctx, id, false)
}

// Reactivate resumes matching and retry sweeps for the subscription.
func (r *Registry) Reactivate(ctx context.Context, id string) (*domain.Subscription, error) {
	return r.setActive(ctx, id, true)
}

func (r *Registry) setActive(ctx context.Context, id string, active bool) (*domain.Subscription, error) {
	if err := r.store.SetSubscriptionActive(ctx, id, active); err != nil {
		return nil, err
	}
	r.logger.Info("subscription active flag changed", "subscription_id", id, "is_active", active)
	return r.store.GetSubscription(ctx, id)
}

// RotateSecret replaces the signing secret. Attempts after the rotation are
// signed with the new secret, including retries of earlier events.
func (r *Registry) RotateSecret(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	sub.Secret = secret
	sub.UpdatedAt = r.now()

	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("rotating secret: %w", err)
	}

	r.logger.Info("subscription secret rotated", "subscription_id", sub.ID)
	return r.store.GetSubscription(ctx, sub.ID)
}

// FindActiveByEventType is the only lookup the matcher uses.
func (r *Registry) FindActiveByEventType(ctx context.Context, eventType domain.EventType) ([]domain.Subscription, error) {
	return r.store.FindActiveByEventType(ctx, eventType)
}

// Statistics aggregates the counters of all subscriptions.
func (r *Registry) Statistics(ctx context.Context) (*domain.Statistics, error) {
	return r.store.SubscriptionStatistics(ctx)
}

func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return secretPrefix + hex.EncodeToString(b), nil
}
