package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/chainbill/internal/amount"
	"github.com/mbd888/chainbill/internal/chains"
	"github.com/mbd888/chainbill/internal/metrics"
	"github.com/mbd888/chainbill/internal/retry"
	"github.com/mbd888/chainbill/internal/traces"
)

// Verify checks the invoice's bound transaction on-chain and finalizes it.
//
// A confirmed invoice is returned unchanged, unless its subscription
// activation was never recorded; then activation runs again. Failed and
// expired invoices return ErrAlreadyResolved. When the returned error is retryable (see
// IsRetryable) the invoice is left verifying (too few confirmations) or
// rolled back to submitted (infrastructure error) and the caller should try
// again later. Permanent failures mark the invoice failed.
func (s *Service) Verify(ctx context.Context, id string) (*Invoice, error) {
	ctx, span := traces.StartSpan(ctx, "invoice.verify", traces.InvoiceID(id))
	defer span.End()

	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch inv.Status {
	case StatusConfirmed:
		if s.awaitingActivation(inv) {
			return s.activate(context.WithoutCancel(ctx), inv)
		}
		return s.decorate(inv), nil
	case StatusFailed, StatusExpired:
		return nil, fmt.Errorf("%w: invoice is %s", ErrAlreadyResolved, inv.Status)
	case StatusPending:
		return nil, fmt.Errorf("%w: no transaction submitted", ErrInvalidStatus)
	case StatusSubmitted:
		inv, err = s.store.UpdateWhere(ctx, id, StatusSubmitted, Update{Status: StatusVerifying, UpdatedAt: s.now()})
		if err != nil {
			return nil, err
		}
		s.notify(inv)
	case StatusVerifying:
		// Re-entry after a confirmation shortfall or a crash mid-verification.
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidStatus, inv.Status)
	}

	span.SetAttributes(traces.Chain(inv.Chain), traces.TxHash(inv.TxHash))
	start := time.Now()

	payer, err := s.check(ctx, inv)
	metrics.VerificationDuration.WithLabelValues(inv.Chain).Observe(time.Since(start).Seconds())
	if err != nil {
		ve := classify(err)
		traces.Fail(span, ve)
		span.SetAttributes(traces.Outcome(ve.Kind.String()))
		return s.settleFailure(ctx, inv, ve)
	}

	span.SetAttributes(traces.Outcome("confirmed"))
	return s.finalize(ctx, inv, payer)
}

// check runs the on-chain checks in order and returns the payer address.
func (s *Service) check(ctx context.Context, inv *Invoice) (string, error) {
	// Replay: any other invoice bearing this hash wins.
	other, err := s.store.FindByTxHash(ctx, inv.TxHash)
	switch {
	case err == nil && other.ID != inv.ID:
		return "", permanent(ErrReplayedTransaction, "transaction hash already used by another invoice")
	case err != nil && !errors.Is(err, ErrInvoiceNotFound):
		return "", transient(ErrChainUnavailable, "invoice store unavailable", err)
	}

	chain, ok := s.chains.Chain(inv.Chain)
	if !ok {
		return "", permanent(ErrTokenNotConfigured, fmt.Sprintf("chain %s is no longer supported", inv.Chain))
	}
	client, err := s.chains.Client(ctx, inv.Chain)
	if err != nil {
		return "", transient(ErrChainUnavailable, "could not reach "+chain.Name, err)
	}

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(inv.TxHash))
	if errors.Is(err, chains.ErrReceiptNotFound) {
		return "", transient(ErrTransactionNotMined, "transaction not found on "+chain.Name+" yet", nil)
	}
	if err != nil {
		return "", transient(ErrChainUnavailable, "could not fetch transaction receipt", err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return "", transient(ErrTransactionNotMined, "transaction on "+chain.Name+" has no block yet", nil)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", permanent(ErrTransactionReverted, "transaction reverted on-chain")
	}

	height, err := client.BlockNumber(ctx)
	if err != nil {
		return "", transient(ErrChainUnavailable, "could not fetch current block height", err)
	}
	mined := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if height > mined {
		confirmations = height - mined
	}
	if confirmations < chain.Confirmations {
		return "", unconfirmed(fmt.Sprintf("%d of %d confirmations", confirmations, chain.Confirmations))
	}

	header, err := client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return "", transient(ErrChainUnavailable, "could not fetch block", err)
	}
	blockTime := time.Unix(int64(header.Time), 0).UTC()
	if blockTime.Before(inv.CreatedAt.Add(-BlockTimeTolerance)) {
		return "", permanent(ErrMinedBeforeInvoice,
			fmt.Sprintf("transaction mined at %s, before the invoice was issued", blockTime.Format(time.RFC3339)))
	}

	token, ok := chain.Token(inv.Token)
	if !ok {
		return "", permanent(ErrTokenNotConfigured, fmt.Sprintf("%s is no longer supported on %s", inv.Token, chain.Name))
	}

	want, ok := amount.Parse(inv.AmountToken)
	if !ok {
		return "", permanent(ErrNoMatchingTransfer, "invoice amount is malformed")
	}
	recipient := common.HexToAddress(inv.Recipient)
	for _, t := range chains.DecodeTransfers(receipt.Logs, token.Address) {
		if t.To == recipient && t.Value.Cmp(want) == 0 {
			return t.From.Hex(), nil
		}
	}
	return "", permanent(ErrNoMatchingTransfer,
		fmt.Sprintf("no transfer of exactly %s %s to %s", amount.Format(want, token.Decimals), token.Symbol, recipient.Hex()))
}

// settleFailure applies the status change a failed check implies.
func (s *Service) settleFailure(ctx context.Context, inv *Invoice, ve *VerificationError) (*Invoice, error) {
	metrics.VerificationsTotal.WithLabelValues(inv.Chain, ve.Kind.String()).Inc()
	log := s.logger.With("invoiceId", inv.ID, "chain", inv.Chain, "txHash", inv.TxHash)

	switch ve.Kind {
	case KindUnconfirmed:
		log.Info("awaiting confirmations", "reason", ve.Reason)
		return s.decorate(inv), ve

	case KindTransient:
		log.Warn("verification deferred", "reason", ve.Reason, "error", ve.Err)
		rolled, err := s.store.UpdateWhere(ctx, inv.ID, StatusVerifying, Update{Status: StatusSubmitted, UpdatedAt: s.now()})
		if err != nil {
			// Still verifying; the poller re-enters from there.
			log.Warn("failed to roll back to submitted", "error", err)
			return s.decorate(inv), ve
		}
		s.notify(rolled)
		return rolled, ve
	}

	reason := ve.Reason
	failed, err := s.store.UpdateWhere(ctx, inv.ID, StatusVerifying, Update{Status: StatusFailed, FailureReason: &reason, UpdatedAt: s.now()})
	if err != nil {
		log.Error("failed to mark invoice failed", "reason", reason, "error", err)
		return s.decorate(inv), ve
	}
	log.Warn("payment rejected", "reason", reason)
	s.notify(failed)
	return failed, ve
}

// finalize confirms the invoice and activates the subscription. Only the
// caller whose conditional update wins activates.
func (s *Service) finalize(ctx context.Context, inv *Invoice, payer string) (*Invoice, error) {
	now := s.now()
	end := inv.BillingPeriod.End(now)

	confirmed, err := s.store.UpdateWhere(ctx, inv.ID, StatusVerifying, Update{
		Status:       StatusConfirmed,
		PayerAddress: &payer,
		ConfirmedAt:  &now,
		PeriodStart:  &now,
		PeriodEnd:    &end,
		UpdatedAt:    now,
	})
	if errors.Is(err, ErrStatusConflict) {
		// A concurrent Verify finished first; report whatever it decided.
		current, getErr := s.store.Get(ctx, inv.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == StatusConfirmed {
			return s.decorate(current), nil
		}
		return s.decorate(current), err
	}
	if err != nil {
		return nil, err
	}

	metrics.VerificationsTotal.WithLabelValues(confirmed.Chain, "confirmed").Inc()
	metrics.InvoicePaymentLatency.Observe(now.Sub(confirmed.CreatedAt).Seconds())
	s.logger.Info("payment confirmed",
		"invoiceId", confirmed.ID,
		"projectId", confirmed.ProjectID,
		"chain", confirmed.Chain,
		"txHash", confirmed.TxHash,
		"payer", payer,
		"periodEnd", end,
	)
	s.notify(confirmed)

	if s.activator == nil {
		return confirmed, nil
	}
	// Detached from ctx: the confirmation is already written.
	return s.activate(context.WithoutCancel(ctx), confirmed)
}

// awaitingActivation reports whether a confirmed invoice still needs its
// subscription granted and the confirming call has had time to do it.
func (s *Service) awaitingActivation(inv *Invoice) bool {
	if s.activator == nil || inv.ActivatedAt != nil || inv.ConfirmedAt == nil {
		return false
	}
	return !s.now().Before(inv.ConfirmedAt.Add(activationGrace))
}

// activate grants the paid period and records that it did. Activators are
// idempotent per invoice, so running it again after a lost record is safe.
func (s *Service) activate(ctx context.Context, inv *Invoice) (*Invoice, error) {
	if inv.PeriodStart == nil || inv.PeriodEnd == nil {
		s.logger.Error("CRITICAL: confirmed invoice has no billing period", "invoiceId", inv.ID)
		return s.decorate(inv), fmt.Errorf("%w: invoice %s has no billing period", ErrActivation, inv.ID)
	}
	activation := Activation{
		ProjectID:   inv.ProjectID,
		Tier:        inv.Tier,
		PeriodStart: *inv.PeriodStart,
		PeriodEnd:   *inv.PeriodEnd,
		InvoiceID:   inv.ID,
		TxHash:      inv.TxHash,
		Chain:       inv.Chain,
	}
	if err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		return s.activator.Activate(ctx, activation)
	}); err != nil {
		s.logger.Error("CRITICAL: payment confirmed but subscription activation failed",
			"invoiceId", inv.ID, "projectId", inv.ProjectID, "tier", inv.Tier, "error", err)
		return s.decorate(inv), fmt.Errorf("%w: %v", ErrActivation, err)
	}

	now := s.now()
	marked, err := s.store.UpdateWhere(ctx, inv.ID, StatusConfirmed, Update{
		Status:      StatusConfirmed,
		ActivatedAt: &now,
		UpdatedAt:   now,
	})
	if err != nil {
		// The subscription is live; a later re-drive repeats the idempotent grant.
		s.logger.Warn("subscription activated but not recorded", "invoiceId", inv.ID, "error", err)
		return s.decorate(inv), nil
	}
	return s.decorate(marked), nil
}
