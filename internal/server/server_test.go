package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chainbill/internal/chains"
	"github.com/mbd888/chainbill/internal/chains/chaintest"
	"github.com/mbd888/chainbill/internal/config"
	"github.com/mbd888/chainbill/internal/invoice"
	"github.com/mbd888/chainbill/internal/logging"
	"github.com/mbd888/chainbill/internal/retry"
)

const (
	testTreasury    = "0x2222222222222222222222222222222222222222"
	testPayer       = "0x1111111111111111111111111111111111111111"
	usdcBaseSepolia = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testAdmin       = "s3cret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory testnet config.
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		LogFormat:       "text",
		Network:         "testnet",
		TreasuryAddress: testTreasury,
		RPCTimeout:      time.Second,
		RPCMaxAttempts:  1,
		InvoiceTTL:      time.Hour,
		SweepInterval:   time.Hour,
		AdminSecret:     testAdmin,
	}
}

type testServer struct {
	*Server
	chain *chaintest.Client
}

// newTestServer creates a server whose base-sepolia client is an in-memory
// fake. Every other testnet chain fails to dial.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := testConfig()
	fake := chaintest.NewClient(100)

	reg := chains.NewRegistry(chains.ForNetwork(cfg.Network),
		chains.WithDialer(chaintest.Dialer(map[string]*chaintest.Client{"https://sepolia.base.org": fake}, nil)),
		chains.WithRetryPolicy(retry.Policy{MaxAttempts: 1}),
	)

	var logs bytes.Buffer
	s, err := New(cfg,
		WithChainRegistry(reg),
		WithLogger(logging.NewWithWriter(&logs, "error", "text")),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	return &testServer{Server: s, chain: fake}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestInvoiceLifecycleThroughRouter(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodPost, "/v1/invoices", invoice.IssueRequest{
		ProjectID: "proj_1", Tier: "pro", BillingPeriod: "monthly", Token: "USDC", Chain: "base-sepolia",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inv := body["invoice"].(map[string]any)
	id := inv["id"].(string)
	assert.Equal(t, testTreasury, inv["recipient"])

	hash := fmt.Sprintf("0x%064x", 7)
	w, _ = ts.do(t, http.MethodPost, "/v1/invoices/"+id+"/transaction", invoice.SubmitRequest{TxHash: hash})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Not mined yet.
	w, body = ts.do(t, http.MethodPost, "/v1/invoices/"+id+"/verify", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, true, body["retryable"])

	value, ok := new(big.Int).SetString(inv["amountToken"].(string), 10)
	require.True(t, ok)
	ts.chain.AddReceipt(hash, chaintest.Receipt(true, 100,
		chaintest.TransferLog(usdcBaseSepolia, testPayer, testTreasury, value)), uint64(time.Now().Unix()))
	ts.chain.SetHeight(102)

	w, body = ts.do(t, http.MethodPost, "/v1/invoices/"+id+"/verify", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "confirmed", body["invoice"].(map[string]any)["status"])

	w, body = ts.do(t, http.MethodGet, "/v1/projects/proj_1/subscription", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pro", body["effectiveTier"])
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodPost, "/v1/admin/invoices/expire", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/v1/admin/invoices/expire", nil, "X-Admin-Secret", "wrong")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := ts.do(t, http.MethodPost, "/v1/admin/invoices/expire", nil, "X-Admin-Secret", testAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["expired"])

	w, body = ts.do(t, http.MethodGet, "/v1/admin/realtime", nil, "X-Admin-Secret", testAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "connectedClients")
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	// Only base-sepolia answers; other chains degrade but never fail readiness.
	w, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", body["status"])

	w, _ = ts.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Start")

	ts.Start(context.Background())
	w, _ = ts.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, ts.Shutdown())
	w, _ = ts.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w, _ = ts.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMiddlewareStack(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodGet, "/v1/chains", nil, "Origin", "https://shop.example")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "https://shop.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, body["chains"])

	w, _ = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "chainbill_http_requests_total"))
}

func TestRateLimitApplied(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 1
	s, err := New(cfg, WithLogger(logging.NewWithWriter(&bytes.Buffer{}, "error", "text")), WithDrainDelay(0))
	require.NoError(t, err)
	defer s.rateLimiter.Stop()

	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chains", nil))
		codes[w.Code]++
	}
	assert.Equal(t, 5, codes[http.StatusOK], "burst floor is 5")
	assert.Equal(t, 5, codes[http.StatusTooManyRequests])
}

func TestIssueWithoutTreasury(t *testing.T) {
	cfg := testConfig()
	cfg.TreasuryAddress = ""
	s, err := New(cfg, WithLogger(logging.NewWithWriter(&bytes.Buffer{}, "error", "text")), WithDrainDelay(0))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(invoice.IssueRequest{
		ProjectID: "proj_1", Tier: "pro", BillingPeriod: "monthly", Token: "USDC", Chain: "base-sepolia",
	}))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/invoices", &buf))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestNotFoundRoute(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.do(t, http.MethodGet, "/v1/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:%2A%2A%2A@db:5432/chainbill", maskDSN("postgres://app:hunter2@db:5432/chainbill"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
