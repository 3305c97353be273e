package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the billing API.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	ProjectID string // Default project for issue_invoice, optional
}

// APIClient is a pure HTTP client for the invoice API.
type APIClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewAPIClient creates a new client for the invoice API.
func NewAPIClient(cfg Config) *APIClient {
	return &APIClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// response is a successful (2xx) API reply.
type response struct {
	Status int
	Body   json.RawMessage
}

// doRequest makes an HTTP request to the API. Any status >= 400 is an error.
func (c *APIClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (response, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return response{}, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return response{}, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", "chainbill-mcp/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return response{}, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return response{}, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return response{Status: resp.StatusCode, Body: json.RawMessage(respBody)}, nil
}

// IssueInvoice creates a crypto invoice.
func (c *APIClient) IssueInvoice(ctx context.Context, projectID, tier, period, token, chain string) (json.RawMessage, error) {
	if projectID == "" {
		projectID = c.cfg.ProjectID
	}
	body := map[string]string{
		"projectId":     projectID,
		"tier":          tier,
		"billingPeriod": period,
		"token":         token,
		"chain":         chain,
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/invoices", nil, body)
	return resp.Body, err
}

// SubmitTransaction binds a transaction hash to an invoice.
func (c *APIClient) SubmitTransaction(ctx context.Context, invoiceID, txHash string) (json.RawMessage, error) {
	path := "/v1/invoices/" + url.PathEscape(invoiceID) + "/transaction"
	resp, err := c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"txHash": txHash})
	return resp.Body, err
}

// GetInvoice returns an invoice without touching the chain.
func (c *APIClient) GetInvoice(ctx context.Context, invoiceID string) (json.RawMessage, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/invoices/"+url.PathEscape(invoiceID), nil, nil)
	return resp.Body, err
}

// VerifyInvoice runs on-chain verification. A 202 reply means the caller
// should try again later and is not an error.
func (c *APIClient) VerifyInvoice(ctx context.Context, invoiceID string) (json.RawMessage, bool, error) {
	path := "/v1/invoices/" + url.PathEscape(invoiceID) + "/verify"
	resp, err := c.doRequest(ctx, http.MethodPost, path, nil, nil)
	if err != nil {
		return nil, false, err
	}
	return resp.Body, resp.Status == http.StatusAccepted, nil
}

// ListChains returns supported chains and tokens.
func (c *APIClient) ListChains(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/chains", nil, nil)
	return resp.Body, err
}

// GetSubscription returns a project's subscription and effective tier.
func (c *APIClient) GetSubscription(ctx context.Context, projectID string) (json.RawMessage, error) {
	path := "/v1/projects/" + url.PathEscape(projectID) + "/subscription"
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	return resp.Body, err
}
