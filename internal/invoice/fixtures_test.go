package invoice

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chainbill/internal/chains"
	"github.com/mbd888/chainbill/internal/chains/chaintest"
	"github.com/mbd888/chainbill/internal/circuitbreaker"
	"github.com/mbd888/chainbill/internal/retry"
)

const (
	testTreasury = "0x2222222222222222222222222222222222222222"
	testPayer    = "0x1111111111111111111111111111111111111111"
	testStranger = "0x3333333333333333333333333333333333333333"
	usdcBase     = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	usdtBSC      = "0x55d398326f99059fF775485246999027B3197955"
	baseRPC      = "http://base.test"
	bscRPC       = "http://bsc.test"
)

var t0 = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func testChains() []chains.Chain {
	return []chains.Chain{
		{
			Key:           "base",
			ID:            8453,
			Name:          "Base",
			DefaultRPCURL: baseRPC,
			ExplorerURL:   "https://basescan.org",
			Confirmations: 2,
			Tokens: map[string]chains.Token{
				"USDC": {Symbol: "USDC", Address: common.HexToAddress(usdcBase), Decimals: 6},
			},
		},
		{
			Key:           "bsc",
			ID:            56,
			Name:          "BNB Smart Chain",
			DefaultRPCURL: bscRPC,
			ExplorerURL:   "https://bscscan.com",
			Confirmations: 5,
			Tokens: map[string]chains.Token{
				"USDT": {Symbol: "USDT", Address: common.HexToAddress(usdtBSC), Decimals: 18},
			},
		},
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeActivator struct {
	mu    sync.Mutex
	calls []Activation
	err   error
}

func (a *fakeActivator) Activate(_ context.Context, act Activation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, act)
	return a.err
}

func (a *fakeActivator) Calls() []Activation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Activation(nil), a.calls...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	events   []Status
	invoices []Invoice
}

func (n *recordingNotifier) InvoiceUpdated(inv *Invoice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, inv.Status)
	n.invoices = append(n.invoices, *inv)
}

// Published returns copies of every invoice as it was published.
func (n *recordingNotifier) Published() []Invoice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Invoice(nil), n.invoices...)
}

func (n *recordingNotifier) Events() []Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Status(nil), n.events...)
}

type harness struct {
	svc       *Service
	store     *MemoryStore
	reg       *chains.Registry
	base      *chaintest.Client
	bsc       *chaintest.Client
	activator *fakeActivator
	notifier  *recordingNotifier
	clock     *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:     NewMemoryStore(),
		base:      chaintest.NewClient(100),
		bsc:       chaintest.NewClient(1000),
		activator: &fakeActivator{},
		notifier:  &recordingNotifier{},
		clock:     &fakeClock{now: t0},
	}
	h.reg = chains.NewRegistry(testChains(),
		chains.WithDialer(chaintest.Dialer(map[string]*chaintest.Client{baseRPC: h.base, bscRPC: h.bsc}, nil)),
		chains.WithRetryPolicy(retry.Policy{MaxAttempts: 1}),
		chains.WithBreaker(circuitbreaker.New(1000, time.Minute)),
	)
	t.Cleanup(h.reg.Close)

	h.svc = NewService(h.store, h.reg, h.activator, nil).
		WithTreasury(testTreasury).
		WithNotifier(h.notifier).
		WithClock(h.clock.Now)
	return h
}

func (a *fakeActivator) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (h *harness) issue(t *testing.T, chain, token string) *Invoice {
	t.Helper()
	inv, err := h.svc.Issue(context.Background(), IssueRequest{
		ProjectID:     "proj_1",
		Tier:          "pro",
		BillingPeriod: "monthly",
		Token:         token,
		Chain:         chain,
	})
	require.NoError(t, err)
	return inv
}

// paid issues a Base USDC invoice, binds hash and mines a matching transfer
// in block 100 (two confirmations deep) just after issuance.
func (h *harness) paid(t *testing.T, hash string) *Invoice {
	t.Helper()
	inv := h.issue(t, "base", "USDC")
	_, err := h.svc.SubmitTransaction(context.Background(), inv.ID, hash)
	require.NoError(t, err)
	h.mine(hash, inv.AmountToken, testTreasury, 100, t0.Add(30*time.Second))
	h.base.SetHeight(102)
	return inv
}

// mine adds a successful Base receipt carrying one USDC transfer.
func (h *harness) mine(hash, value, to string, block uint64, at time.Time) {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("bad value " + value)
	}
	h.base.AddReceipt(hash, chaintest.Receipt(true, block, chaintest.TransferLog(usdcBase, testPayer, to, v)), uint64(at.Unix()))
}

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

var errBoom = errors.New("dial tcp 10.0.0.1:8545: connection refused")
