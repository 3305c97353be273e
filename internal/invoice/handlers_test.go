package invoice

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := newHarness(t)
	handler := NewHandler(h.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterAdminRoutes(v1)
	return r, h
}

type invoiceResponse struct {
	Invoice   Invoice `json:"invoice"`
	Retryable bool    `json:"retryable"`
	Error     string  `json:"error"`
	Message   string  `json:"message"`
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, invoiceResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp invoiceResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHandler_IssueSubmitVerify(t *testing.T) {
	router, h := setupTestRouter(t)

	w, resp := doJSON(t, router, "POST", "/v1/invoices", IssueRequest{
		ProjectID: "proj_1", Tier: "pro", BillingPeriod: "monthly", Token: "USDC", Chain: "base",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	inv := resp.Invoice
	if inv.Status != StatusPending || inv.Recipient == "" || inv.AmountToken == "" {
		t.Fatalf("unexpected invoice %+v", inv)
	}

	w, resp = doJSON(t, router, "GET", "/v1/invoices/"+inv.ID, nil)
	if w.Code != http.StatusOK || resp.Invoice.ID != inv.ID {
		t.Fatalf("Expected 200 for get, got %d: %s", w.Code, w.Body.String())
	}

	hash := txHash(40)
	w, resp = doJSON(t, router, "POST", "/v1/invoices/"+inv.ID+"/transaction", SubmitRequest{TxHash: hash})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for submit, got %d: %s", w.Code, w.Body.String())
	}
	if resp.Invoice.Status != StatusSubmitted || resp.Invoice.ExplorerURL == "" {
		t.Errorf("unexpected submit response %+v", resp.Invoice)
	}

	// Mined but only one block deep.
	h.mine(hash, inv.AmountToken, testTreasury, 100, t0)
	h.base.SetHeight(101)
	w, resp = doJSON(t, router, "POST", "/v1/invoices/"+inv.ID+"/verify", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 while confirmations are pending, got %d: %s", w.Code, w.Body.String())
	}
	if !resp.Retryable || resp.Invoice.Status != StatusVerifying {
		t.Errorf("expected retryable verifying response, got %+v", resp)
	}

	h.base.SetHeight(105)
	w, resp = doJSON(t, router, "POST", "/v1/invoices/"+inv.ID+"/verify", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 once confirmed, got %d: %s", w.Code, w.Body.String())
	}
	if resp.Invoice.Status != StatusConfirmed || resp.Invoice.PeriodEnd == nil {
		t.Errorf("expected confirmed invoice with period, got %+v", resp.Invoice)
	}
}

func TestHandler_IssueValidation(t *testing.T) {
	router, h := setupTestRouter(t)

	tests := []struct {
		name string
		body interface{}
		code int
		err  string
	}{
		{"missing fields", map[string]string{"projectId": "p"}, http.StatusBadRequest, "invalid_request"},
		{"bad project id", IssueRequest{ProjectID: "has space", Tier: "pro", BillingPeriod: "monthly", Token: "USDC", Chain: "base"}, http.StatusBadRequest, "validation_error"},
		{"unsupported chain", IssueRequest{ProjectID: "p", Tier: "pro", BillingPeriod: "monthly", Token: "USDC", Chain: "tron"}, http.StatusBadRequest, "unsupported_chain"},
		{"unsupported token", IssueRequest{ProjectID: "p", Tier: "pro", BillingPeriod: "monthly", Token: "USDT", Chain: "base"}, http.StatusBadRequest, "unsupported_token"},
		{"enterprise", IssueRequest{ProjectID: "p", Tier: "enterprise", BillingPeriod: "monthly", Token: "USDC", Chain: "base"}, http.StatusBadRequest, "not_purchasable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := doJSON(t, router, "POST", "/v1/invoices", tt.body)
			if w.Code != tt.code || resp.Error != tt.err {
				t.Errorf("Expected %d/%s, got %d: %s", tt.code, tt.err, w.Code, w.Body.String())
			}
		})
	}

	h.svc.WithTreasury("")
	w, resp := doJSON(t, router, "POST", "/v1/invoices", IssueRequest{ProjectID: "p", Tier: "pro", BillingPeriod: "monthly", Token: "USDC", Chain: "base"})
	if w.Code != http.StatusServiceUnavailable || resp.Error != "treasury_not_configured" {
		t.Errorf("Expected 503 treasury_not_configured, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_SubmitErrors(t *testing.T) {
	router, h := setupTestRouter(t)
	a := h.issue(t, "base", "USDC")
	b := h.issue(t, "base", "USDC")

	w, resp := doJSON(t, router, "POST", "/v1/invoices/inv_missing/transaction", SubmitRequest{TxHash: txHash(1)})
	if w.Code != http.StatusNotFound || resp.Error != "not_found" {
		t.Errorf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}

	w, resp = doJSON(t, router, "POST", "/v1/invoices/"+a.ID+"/transaction", SubmitRequest{TxHash: "0xnothex"})
	if w.Code != http.StatusBadRequest || resp.Error != "invalid_tx_hash" {
		t.Errorf("Expected 400 invalid_tx_hash, got %d: %s", w.Code, w.Body.String())
	}

	w, _ = doJSON(t, router, "POST", "/v1/invoices/"+a.ID+"/transaction", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing txHash, got %d", w.Code)
	}

	w, _ = doJSON(t, router, "POST", "/v1/invoices/"+a.ID+"/transaction", SubmitRequest{TxHash: txHash(1)})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w, resp = doJSON(t, router, "POST", "/v1/invoices/"+b.ID+"/transaction", SubmitRequest{TxHash: txHash(1)})
	if w.Code != http.StatusConflict || resp.Error != "tx_hash_used" {
		t.Errorf("Expected 409 tx_hash_used, got %d: %s", w.Code, w.Body.String())
	}

	w, resp = doJSON(t, router, "POST", "/v1/invoices/"+a.ID+"/transaction", SubmitRequest{TxHash: txHash(2)})
	if w.Code != http.StatusConflict || resp.Error != "invalid_state" {
		t.Errorf("Expected 409 invalid_state, got %d: %s", w.Code, w.Body.String())
	}

	h.clock.Advance(2 * time.Hour)
	w, resp = doJSON(t, router, "POST", "/v1/invoices/"+b.ID+"/transaction", SubmitRequest{TxHash: txHash(3)})
	if w.Code != http.StatusGone || resp.Error != "invoice_expired" {
		t.Errorf("Expected 410 invoice_expired, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_VerifyRejectedAndResolved(t *testing.T) {
	router, h := setupTestRouter(t)
	inv := h.issue(t, "base", "USDC")
	hash := txHash(41)
	if _, err := h.svc.SubmitTransaction(t.Context(), inv.ID, hash); err != nil {
		t.Fatal(err)
	}
	h.mine(hash, "1", testTreasury, 100, t0)
	h.base.SetHeight(110)

	w, resp := doJSON(t, router, "POST", "/v1/invoices/"+inv.ID+"/verify", nil)
	if w.Code != http.StatusUnprocessableEntity || resp.Error != "payment_rejected" {
		t.Fatalf("Expected 422 payment_rejected, got %d: %s", w.Code, w.Body.String())
	}
	if resp.Invoice.Status != StatusFailed || resp.Retryable {
		t.Errorf("unexpected body %+v", resp)
	}

	w, resp = doJSON(t, router, "POST", "/v1/invoices/"+inv.ID+"/verify", nil)
	if w.Code != http.StatusConflict || resp.Error != "already_resolved" {
		t.Errorf("Expected 409 already_resolved, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_VerifyTransientHidesRPCDetails(t *testing.T) {
	router, h := setupTestRouter(t)
	inv := h.paid(t, txHash(42))
	h.base.SetError(errBoom)

	w, resp := doJSON(t, router, "POST", "/v1/invoices/"+inv.ID+"/verify", nil)
	if w.Code != http.StatusAccepted || !resp.Retryable {
		t.Fatalf("Expected 202 retryable, got %d: %s", w.Code, w.Body.String())
	}
	if bytes.Contains(w.Body.Bytes(), []byte("10.0.0.1")) {
		t.Errorf("response leaks RPC error details: %s", w.Body.String())
	}
}

func TestHandler_ListProjectInvoices(t *testing.T) {
	router, h := setupTestRouter(t)
	h.issue(t, "base", "USDC")
	h.issue(t, "base", "USDC")

	req := httptest.NewRequest("GET", "/v1/projects/proj_1/invoices?limit=1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Invoices []Invoice `json:"invoices"`
		Count    int       `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || len(resp.Invoices) != 1 {
		t.Errorf("Expected 1 invoice with limit=1, got %d", resp.Count)
	}

	req = httptest.NewRequest("GET", "/v1/projects/nobody/invoices", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"invoices":[]`)) {
		t.Errorf("Expected empty list, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_ListChains(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest("GET", "/v1/chains", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Chains []struct {
			Key    string `json:"key"`
			Tokens []struct {
				Symbol   string `json:"symbol"`
				Decimals uint8  `json:"decimals"`
			} `json:"tokens"`
		} `json:"chains"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Chains) != 2 || resp.Chains[0].Key != "base" || resp.Chains[1].Key != "bsc" {
		t.Fatalf("unexpected chains %+v", resp.Chains)
	}
	if resp.Chains[1].Tokens[0].Symbol != "USDT" || resp.Chains[1].Tokens[0].Decimals != 18 {
		t.Errorf("unexpected bsc tokens %+v", resp.Chains[1].Tokens)
	}
}

func TestHandler_AdminExpire(t *testing.T) {
	router, h := setupTestRouter(t)
	h.issue(t, "base", "USDC")
	h.clock.Advance(2 * time.Hour)

	req := httptest.NewRequest("POST", "/v1/admin/invoices/expire", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"expired":1`)) {
		t.Errorf("Expected 1 expired, got %d: %s", w.Code, w.Body.String())
	}
}
