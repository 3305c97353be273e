package invoice

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/chainbill/internal/chains"
	"github.com/mbd888/chainbill/internal/circuitbreaker"
	"github.com/mbd888/chainbill/internal/retry"
)

// Configuration errors.
var (
	ErrUnsupportedChain      = errors.New("invoice: chain not supported")
	ErrUnsupportedToken      = errors.New("invoice: token not available on chain")
	ErrTreasuryNotConfigured = errors.New("invoice: treasury address not configured")
)

// Caller and state errors.
var (
	ErrInvoiceNotFound  = errors.New("invoice: not found")
	ErrDuplicateInvoice = errors.New("invoice: id already exists")
	ErrInvalidStatus    = errors.New("invoice: invalid status for this operation")
	ErrInvoiceExpired   = errors.New("invoice: expired")
	ErrAlreadyResolved  = errors.New("invoice: already resolved")
	ErrTxHashUsed       = errors.New("invoice: transaction hash already used")
	ErrInvalidTxHash    = errors.New("invoice: invalid transaction hash")
	ErrStatusConflict   = errors.New("invoice: status changed concurrently")
	ErrActivation       = errors.New("invoice: subscription activation failed")
)

// Verification outcomes that leave the invoice retryable.
var (
	ErrInsufficientConfirmations = errors.New("invoice: insufficient confirmations")
	ErrTransactionNotMined       = errors.New("invoice: transaction not found on chain")
	ErrChainUnavailable          = errors.New("invoice: chain RPC unavailable")
)

// Verification outcomes that fail the invoice.
var (
	ErrReplayedTransaction = errors.New("invoice: transaction already backs another invoice")
	ErrTransactionReverted = errors.New("invoice: transaction reverted")
	ErrMinedBeforeInvoice  = errors.New("invoice: transaction mined before invoice was issued")
	ErrTokenNotConfigured  = errors.New("invoice: token contract no longer configured")
	ErrNoMatchingTransfer  = errors.New("invoice: no matching token transfer")
)

// Kind classifies a verification failure.
type Kind int

const (
	// KindPermanent fails the invoice.
	KindPermanent Kind = iota
	// KindUnconfirmed leaves the invoice verifying until enough blocks are mined.
	KindUnconfirmed
	// KindTransient rolls the invoice back to submitted.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindUnconfirmed:
		return "unconfirmed"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// VerificationError is the typed result of a failed verification step.
// Reason is safe to show to users; Err carries the sentinel and any cause.
type VerificationError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return "invoice: verification " + e.Kind.String() + ": " + e.Reason
	}
	return fmt.Sprintf("%v (%s)", e.Err, e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func permanent(sentinel error, reason string) *VerificationError {
	return &VerificationError{Kind: KindPermanent, Reason: reason, Err: sentinel}
}

func unconfirmed(reason string) *VerificationError {
	return &VerificationError{Kind: KindUnconfirmed, Reason: reason, Err: ErrInsufficientConfirmations}
}

// transient wraps an infrastructure cause under sentinel.
func transient(sentinel error, reason string, cause error) *VerificationError {
	err := sentinel
	if cause != nil {
		err = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return &VerificationError{Kind: KindTransient, Reason: reason, Err: err}
}

// IsRetryable reports whether a Verify error should be retried later rather
// than treated as a final verdict.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Kind != KindPermanent
	}
	var rpcErr *chains.RPCError
	if errors.As(err, &rpcErr) {
		return true
	}
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, ErrStatusConflict) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Opaque third-party errors only.
	return retry.LooksTransient(err)
}

// classify turns any error from a verification step into a VerificationError.
// Unknown errors are infrastructure problems, never verdicts.
func classify(err error) *VerificationError {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve
	}
	return transient(ErrChainUnavailable, "verification infrastructure unavailable", err)
}
