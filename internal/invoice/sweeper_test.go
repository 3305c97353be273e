package invoice

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpireDue_IdempotentAndLeavesResolvedInvoices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending := h.issue(t, "base", "USDC")
	submitted := h.issue(t, "base", "USDC")
	_, err := h.svc.SubmitTransaction(ctx, submitted.ID, txHash(30))
	require.NoError(t, err)
	confirmed := h.paid(t, txHash(31))
	_, err = h.svc.Verify(ctx, confirmed.ID)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	fresh := h.issue(t, "base", "USDC")

	n, err := h.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for id, want := range map[string]Status{
		pending.ID:   StatusExpired,
		submitted.ID: StatusExpired,
		confirmed.ID: StatusConfirmed,
		fresh.ID:     StatusPending,
	} {
		inv, err := h.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, inv.Status, id)
	}
}

func TestTimer_ExpiresOnInterval(t *testing.T) {
	h := newHarness(t)
	inv := h.issue(t, "base", "USDC")
	h.clock.Advance(2 * time.Hour)

	timer := NewTimer(h.svc, 10*time.Millisecond, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool {
		got, err := h.svc.Get(context.Background(), inv.ID)
		return err == nil && got.Status == StatusExpired
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}

func TestNewTimer_DefaultInterval(t *testing.T) {
	timer := NewTimer(nil, 0, slog.Default())
	assert.Equal(t, DefaultSweepInterval, timer.interval)
}
