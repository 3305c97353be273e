// Package subscription records which tier each project is entitled to and
// for how long. Crypto invoices activate subscriptions through Service,
// which satisfies invoice.Activator.
package subscription

import (
	"errors"
	"time"

	"github.com/mbd888/chainbill/internal/pricing"
)

var ErrNotFound = errors.New("subscription: not found")

// Provider identifies who collected payment for a subscription period.
type Provider string

const (
	ProviderCrypto Provider = "crypto"
	ProviderPaddle Provider = "paddle"
)

// Status is the lifecycle state of a subscription record.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusCanceled Status = "canceled"
)

// Subscription is the current paid period for one project.
type Subscription struct {
	ProjectID string       `json:"projectId"`
	Tier      pricing.Tier `json:"tier"`
	Status    Status       `json:"status"`
	Provider  Provider     `json:"provider"`
	// ProviderRef is the invoice id for crypto, the processor's
	// subscription id otherwise.
	ProviderRef string    `json:"providerRef"`
	Chain       string    `json:"chain,omitempty"`
	TxHash      string    `json:"txHash,omitempty"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EffectiveTier is the tier the project may use at now. Lapsed and
// canceled subscriptions fall back to free.
func (s *Subscription) EffectiveTier(now time.Time) pricing.Tier {
	if s == nil || s.Status != StatusActive || !now.Before(s.PeriodEnd) {
		return pricing.TierFree
	}
	return s.Tier
}
