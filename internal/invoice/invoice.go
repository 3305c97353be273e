// Package invoice issues stablecoin invoices and verifies on-chain payment.
//
// Flow:
//  1. Issue: price resolved, salted token amount computed, invoice stored as pending
//  2. Payer transfers the exact amount on-chain (outside this system)
//  3. SubmitTransaction: tx hash bound once, pending -> submitted
//  4. Verify: receipt checked against the invoice, verifying -> confirmed|failed
//  5. ExpireDue: unpaid invoices past their deadline -> expired
package invoice

import (
	"context"
	"time"

	"github.com/mbd888/chainbill/internal/chains"
	"github.com/mbd888/chainbill/internal/pricing"
)

// Status represents the state of an invoice.
type Status string

const (
	StatusPending   Status = "pending"   // Issued, waiting for a tx hash
	StatusSubmitted Status = "submitted" // Tx hash bound
	StatusVerifying Status = "verifying" // Verification in progress or awaiting confirmations
	StatusConfirmed Status = "confirmed" // Payment matched, subscription activated
	StatusFailed    Status = "failed"    // Payment rejected
	StatusExpired   Status = "expired"   // Deadline passed before payment was bound or checked
)

// DefaultTTL is how long an issued invoice accepts a transaction.
const DefaultTTL = time.Hour

// activationGrace is how long a confirmed invoice may go without a recorded
// activation before Verify and the watcher re-drive it. It keeps a retry
// from racing the Verify call that is still activating.
const activationGrace = time.Minute

// BlockTimeTolerance is the allowed clock drift between a block timestamp
// and the invoice creation time.
const BlockTimeTolerance = 60 * time.Second

var transitions = map[Status][]Status{
	StatusPending:   {StatusSubmitted, StatusExpired},
	StatusSubmitted: {StatusVerifying, StatusExpired},
	StatusVerifying: {StatusConfirmed, StatusFailed, StatusSubmitted},
}

// CanTransition reports whether from -> to is a legal status change.
// verifying -> submitted exists only to roll back after infrastructure errors.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Invoice is a request for an exact token amount, to the treasury, on one
// chain, within a time window.
type Invoice struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"projectId"`
	Tier          pricing.Tier   `json:"tier"`
	BillingPeriod pricing.Period `json:"billingPeriod"`
	PriceCents    int64          `json:"priceCents"`
	Token         string         `json:"token"`
	Chain         string         `json:"chain"`
	Recipient     string         `json:"recipient"`
	AmountToken   string         `json:"amountToken"`
	AmountDisplay string         `json:"amountDisplay,omitempty"`
	TxHash        string         `json:"txHash,omitempty"`
	PayerAddress  string         `json:"payerAddress,omitempty"`
	Status        Status         `json:"status"`
	FailureReason string         `json:"failureReason,omitempty"`
	PeriodStart   *time.Time     `json:"periodStart,omitempty"`
	PeriodEnd     *time.Time     `json:"periodEnd,omitempty"`
	ExpiresAt     time.Time      `json:"expiresAt"`
	ConfirmedAt   *time.Time     `json:"confirmedAt,omitempty"`
	ActivatedAt   *time.Time     `json:"activatedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	ExplorerURL   string         `json:"explorerUrl,omitempty"`
}

// IsTerminal returns true if the invoice can no longer change.
func (i *Invoice) IsTerminal() bool {
	switch i.Status {
	case StatusConfirmed, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// PastDeadline reports whether the invoice deadline is at or before now.
func (i *Invoice) PastDeadline(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Update carries the fields a conditional update may set. Nil pointers leave
// the stored value untouched.
type Update struct {
	Status        Status
	TxHash        *string
	PayerAddress  *string
	FailureReason *string
	PeriodStart   *time.Time
	PeriodEnd     *time.Time
	ConfirmedAt   *time.Time
	ActivatedAt   *time.Time
	// UpdatedAt stamps the row. Zero means the store's own clock.
	UpdatedAt time.Time
}

// Store persists invoices. Implementations must enforce tx hash uniqueness
// across all invoices and apply UpdateWhere atomically.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	// FindByTxHash returns ErrInvoiceNotFound when no invoice holds the hash.
	FindByTxHash(ctx context.Context, txHash string) (*Invoice, error)
	// UpdateWhere applies u only if the invoice is currently in expected.
	// Returns ErrStatusConflict when it is not, ErrTxHashUsed on a duplicate hash.
	UpdateWhere(ctx context.Context, id string, expected Status, u Update) (*Invoice, error)
	// ExpireDue moves every pending or submitted invoice with expiresAt <= now
	// to expired in one operation and returns the rows it changed.
	ExpireDue(ctx context.Context, now time.Time) ([]*Invoice, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]*Invoice, error)
	// ListByStatus returns the oldest-updated invoices first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Invoice, error)
	// ListAwaitingActivation returns confirmed invoices with no recorded
	// activation that confirmed at or before confirmedBefore, oldest first.
	ListAwaitingActivation(ctx context.Context, confirmedBefore time.Time, limit int) ([]*Invoice, error)
}

// Activation is what the subscription store receives when an invoice confirms.
type Activation struct {
	ProjectID   string
	Tier        pricing.Tier
	PeriodStart time.Time
	PeriodEnd   time.Time
	InvoiceID   string
	TxHash      string
	Chain       string
}

// Activator sets a project's effective tier. Called only on confirmation and
// must be idempotent per InvoiceID.
type Activator interface {
	Activate(ctx context.Context, a Activation) error
}

// ChainResolver exposes chain configuration and clients. *chains.Registry
// satisfies it.
type ChainResolver interface {
	Chain(key string) (chains.Chain, bool)
	Chains() []chains.Chain
	Client(ctx context.Context, key string) (chains.Client, error)
}

// Notifier receives every invoice status change (realtime fan-out).
type Notifier interface {
	InvoiceUpdated(inv *Invoice)
}

// HashClaimer is a best-effort cross-instance lock on transaction hashes.
// The store's uniqueness constraint stays authoritative.
type HashClaimer interface {
	Claim(ctx context.Context, txHash, invoiceID string) (bool, error)
	Release(ctx context.Context, txHash, invoiceID string) error
}

// IssueRequest contains the parameters for issuing an invoice.
type IssueRequest struct {
	ProjectID     string `json:"projectId" binding:"required"`
	Tier          string `json:"tier" binding:"required"`
	BillingPeriod string `json:"billingPeriod" binding:"required"`
	Token         string `json:"token" binding:"required"`
	Chain         string `json:"chain" binding:"required"`
}

// SubmitRequest binds a transaction hash to an invoice.
type SubmitRequest struct {
	TxHash string `json:"txHash" binding:"required"`
}
