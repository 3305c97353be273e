package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/chainbill/internal/invoice"
	"github.com/mbd888/chainbill/internal/metrics"
	"github.com/mbd888/chainbill/internal/pricing"
)

// Service applies confirmed payments to project subscriptions.
type Service struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

var _ invoice.Activator = (*Service)(nil)

// NewService creates a subscription service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, now: time.Now, logger: logger}
}

// WithClock replaces the wall clock (useful for testing).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Activate makes a confirmed crypto invoice the project's current
// subscription. Replaying the same invoice is a no-op.
func (s *Service) Activate(ctx context.Context, a invoice.Activation) error {
	if a.ProjectID == "" || a.InvoiceID == "" {
		return fmt.Errorf("subscription: activation needs projectId and invoiceId")
	}
	if !a.PeriodEnd.After(a.PeriodStart) {
		return fmt.Errorf("subscription: empty period %s..%s", a.PeriodStart, a.PeriodEnd)
	}

	existing, err := s.store.Get(ctx, a.ProjectID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("subscription: load %s: %w", a.ProjectID, err)
	}
	if existing != nil && existing.Provider == ProviderCrypto && existing.ProviderRef == a.InvoiceID {
		return nil
	}

	now := s.now().UTC()
	sub := &Subscription{
		ProjectID:   a.ProjectID,
		Tier:        a.Tier,
		Status:      StatusActive,
		Provider:    ProviderCrypto,
		ProviderRef: a.InvoiceID,
		Chain:       a.Chain,
		TxHash:      a.TxHash,
		PeriodStart: a.PeriodStart,
		PeriodEnd:   a.PeriodEnd,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Put(ctx, sub); err != nil {
		return fmt.Errorf("subscription: save %s: %w", a.ProjectID, err)
	}

	metrics.SubscriptionActivationsTotal.WithLabelValues(string(ProviderCrypto), string(a.Tier)).Inc()
	attrs := []any{
		"projectId", a.ProjectID,
		"tier", a.Tier,
		"invoiceId", a.InvoiceID,
		"periodEnd", a.PeriodEnd,
	}
	if existing != nil {
		attrs = append(attrs, "replacedProvider", existing.Provider, "replacedTier", existing.Tier)
	}
	s.logger.Info("subscription activated", attrs...)
	return nil
}

// Get returns the stored subscription for a project.
func (s *Service) Get(ctx context.Context, projectID string) (*Subscription, error) {
	return s.store.Get(ctx, projectID)
}

// EffectiveTier resolves the tier a project may use right now.
func (s *Service) EffectiveTier(ctx context.Context, projectID string) (pricing.Tier, error) {
	sub, err := s.store.Get(ctx, projectID)
	if errors.Is(err, ErrNotFound) {
		return pricing.TierFree, nil
	}
	if err != nil {
		return "", err
	}
	return sub.EffectiveTier(s.now()), nil
}
