package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/chainbill/internal/amount"
	"github.com/mbd888/chainbill/internal/chains"
	"github.com/mbd888/chainbill/internal/idgen"
	"github.com/mbd888/chainbill/internal/metrics"
	"github.com/mbd888/chainbill/internal/pricing"
	"github.com/mbd888/chainbill/internal/traces"
	"github.com/mbd888/chainbill/internal/validation"
)

// Service implements invoice business logic.
type Service struct {
	store     Store
	chains    ChainResolver
	activator Activator
	notifier  Notifier
	claimer   HashClaimer
	treasury  string
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a new invoice service.
func NewService(store Store, resolver ChainResolver, activator Activator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		chains:    resolver,
		activator: activator,
		ttl:       DefaultTTL,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// WithTreasury sets the recipient address for new invoices.
func (s *Service) WithTreasury(addr string) *Service {
	s.treasury = strings.TrimSpace(addr)
	return s
}

// WithNotifier adds a status-change notifier for realtime updates.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithHashClaimer adds a cross-instance fast path for hash uniqueness.
func (s *Service) WithHashClaimer(c HashClaimer) *Service {
	s.claimer = c
	return s
}

// WithTTL overrides how long new invoices stay open.
func (s *Service) WithTTL(d time.Duration) *Service {
	if d > 0 {
		s.ttl = d
	}
	return s
}

// WithClock replaces the time source (useful for testing).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue creates a pending invoice for tier+period payable in token on chain.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Invoice, error) {
	chainKey := strings.ToLower(strings.TrimSpace(req.Chain))
	ctx, span := traces.StartSpan(ctx, "invoice.issue",
		traces.ProjectID(req.ProjectID), traces.Chain(chainKey), traces.Token(req.Token))
	defer span.End()

	chain, ok := s.chains.Chain(chainKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, req.Chain)
	}
	token, ok := chain.Token(req.Token)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedToken, strings.ToUpper(req.Token), chain.Name)
	}

	tier, err := pricing.ParseTier(req.Tier)
	if err != nil {
		return nil, err
	}
	period, err := pricing.ParsePeriod(req.BillingPeriod)
	if err != nil {
		return nil, err
	}
	cents, err := pricing.Price(tier, period)
	if err != nil {
		return nil, err
	}

	units, err := amount.ForInvoice(cents, token.Decimals)
	if err != nil {
		return nil, fmt.Errorf("invoice: computing amount for %s: %w", token.Symbol, err)
	}

	if s.treasury == "" || !validation.IsValidEthAddress(s.treasury) {
		return nil, ErrTreasuryNotConfigured
	}

	now := s.now()
	inv := &Invoice{
		ID:            idgen.WithPrefix("inv_"),
		ProjectID:     req.ProjectID,
		Tier:          tier,
		BillingPeriod: period,
		PriceCents:    cents,
		Token:         token.Symbol,
		Chain:         chain.Key,
		Recipient:     common.HexToAddress(s.treasury).Hex(),
		AmountToken:   units.String(),
		Status:        StatusPending,
		ExpiresAt:     now.Add(s.ttl),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, inv); err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("invoice: storing: %w", err)
	}

	metrics.InvoicesIssuedTotal.WithLabelValues(inv.Chain, inv.Token).Inc()
	s.logger.Info("invoice issued",
		"invoiceId", inv.ID,
		"projectId", inv.ProjectID,
		"tier", inv.Tier,
		"chain", inv.Chain,
		"token", inv.Token,
		"amount", inv.AmountToken,
	)
	s.notify(inv)
	return inv, nil
}

// SubmitTransaction binds txHash to a pending invoice. A hash can back at
// most one invoice, ever.
func (s *Service) SubmitTransaction(ctx context.Context, id, txHash string) (*Invoice, error) {
	hash := validation.NormalizeTxHash(txHash)
	if !validation.IsValidTxHash(hash) {
		metrics.InvoiceSubmissionsTotal.WithLabelValues("invalid_hash").Inc()
		return nil, ErrInvalidTxHash
	}

	ctx, span := traces.StartSpan(ctx, "invoice.submit", traces.InvoiceID(id), traces.TxHash(hash))
	defer span.End()

	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case inv.Status == StatusExpired:
		metrics.InvoiceSubmissionsTotal.WithLabelValues("expired").Inc()
		return nil, ErrInvoiceExpired
	case inv.Status != StatusPending:
		metrics.InvoiceSubmissionsTotal.WithLabelValues("invalid_status").Inc()
		return nil, fmt.Errorf("%w: invoice is %s", ErrInvalidStatus, inv.Status)
	case inv.PastDeadline(s.now()):
		metrics.InvoiceSubmissionsTotal.WithLabelValues("expired").Inc()
		return nil, ErrInvoiceExpired
	}

	// Fast path. The store constraint below is the real guarantee.
	if owner, err := s.store.FindByTxHash(ctx, hash); err == nil && owner.ID != id {
		metrics.InvoiceSubmissionsTotal.WithLabelValues("hash_used").Inc()
		return nil, ErrTxHashUsed
	} else if err != nil && !errors.Is(err, ErrInvoiceNotFound) {
		return nil, err
	}

	if s.claimer != nil {
		claimed, err := s.claimer.Claim(ctx, hash, id)
		if err != nil {
			s.logger.Warn("hash claim unavailable, relying on store constraint",
				"invoiceId", id, "txHash", hash, "error", err)
		} else if !claimed {
			metrics.InvoiceSubmissionsTotal.WithLabelValues("hash_used").Inc()
			return nil, ErrTxHashUsed
		}
	}

	updated, err := s.store.UpdateWhere(ctx, id, StatusPending, Update{Status: StatusSubmitted, TxHash: &hash, UpdatedAt: s.now()})
	if err != nil {
		if s.claimer != nil {
			if relErr := s.claimer.Release(ctx, hash, id); relErr != nil {
				s.logger.Warn("failed to release hash claim", "txHash", hash, "error", relErr)
			}
		}
		switch {
		case errors.Is(err, ErrTxHashUsed):
			metrics.InvoiceSubmissionsTotal.WithLabelValues("hash_used").Inc()
		case errors.Is(err, ErrStatusConflict):
			metrics.InvoiceSubmissionsTotal.WithLabelValues("conflict").Inc()
		}
		traces.Fail(span, err)
		return nil, err
	}

	metrics.InvoiceSubmissionsTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("transaction submitted", "invoiceId", id, "chain", updated.Chain, "txHash", hash)
	s.notify(updated)
	return updated, nil
}

// Get returns an invoice by ID.
func (s *Service) Get(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decorate(inv), nil
}

// ListByProject returns a project's invoices, newest first.
func (s *Service) ListByProject(ctx context.Context, projectID string, limit int) ([]*Invoice, error) {
	invs, err := s.store.ListByProject(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	for _, inv := range invs {
		s.decorate(inv)
	}
	return invs, nil
}

// ListByStatus returns invoices in status, least recently updated first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Invoice, error) {
	return s.store.ListByStatus(ctx, status, limit)
}

// ListAwaitingActivation returns confirmed invoices whose subscription
// activation has not been recorded within activationGrace of confirming.
// Empty when no activator is configured.
func (s *Service) ListAwaitingActivation(ctx context.Context, limit int) ([]*Invoice, error) {
	if s.activator == nil {
		return nil, nil
	}
	return s.store.ListAwaitingActivation(ctx, s.now().Add(-activationGrace), limit)
}

// Chains returns the chains invoices can be issued on.
func (s *Service) Chains() []chains.Chain {
	return s.chains.Chains()
}

// ExpireDue expires every pending or submitted invoice past its deadline and
// returns how many changed. Safe to run concurrently with itself.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireDue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		metrics.InvoicesExpiredTotal.Add(float64(len(expired)))
	}
	for _, inv := range expired {
		s.notify(inv)
	}
	return len(expired), nil
}

// decorate fills projection-only fields.
func (s *Service) decorate(inv *Invoice) *Invoice {
	chain, ok := s.chains.Chain(inv.Chain)
	if !ok {
		return inv
	}
	if tok, ok := chain.Token(inv.Token); ok {
		if units, ok := amount.Parse(inv.AmountToken); ok {
			inv.AmountDisplay = amount.Format(units, tok.Decimals)
		}
	}
	inv.ExplorerURL = chain.TxURL(inv.TxHash)
	return inv
}

// notify decorates inv in place and publishes it.
func (s *Service) notify(inv *Invoice) {
	s.decorate(inv)
	if s.notifier != nil {
		s.notifier.InvoiceUpdated(inv)
	}
}
