package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *APIClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *APIClient) *Handlers {
	return &Handlers{client: client}
}

// HandleIssueInvoice creates an invoice and explains how to pay it.
func (h *Handlers) HandleIssueInvoice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("project_id", h.client.cfg.ProjectID)
	if projectID == "" {
		return mcp.NewToolResultError("project_id is required (no default project configured)"), nil
	}
	tier := req.GetString("tier", "")
	token := req.GetString("token", "")
	chain := req.GetString("chain", "")
	if tier == "" || token == "" || chain == "" {
		return mcp.NewToolResultError("tier, token and chain are required"), nil
	}
	period := req.GetString("billing_period", "monthly")

	raw, err := h.client.IssueInvoice(ctx, projectID, tier, period, token, chain)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to issue invoice: %v", err)), nil
	}

	inv, err := parseInvoice(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse invoice: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(formatInvoice(inv))
	fmt.Fprintf(&sb, "\nTo pay: send exactly %s %s on %s to %s before %s.\n",
		getString(inv, "amountDisplay"), getString(inv, "token"), getString(inv, "chain"),
		getString(inv, "recipient"), getString(inv, "expiresAt"))
	sb.WriteString("Then call submit_transaction with the transaction hash.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSubmitTransaction binds a hash to an invoice.
func (h *Handlers) HandleSubmitTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	invoiceID := req.GetString("invoice_id", "")
	txHash := req.GetString("tx_hash", "")
	if invoiceID == "" || txHash == "" {
		return mcp.NewToolResultError("invoice_id and tx_hash are required"), nil
	}

	raw, err := h.client.SubmitTransaction(ctx, invoiceID, txHash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit transaction: %v", err)), nil
	}

	inv, err := parseInvoice(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse invoice: %v", err)), nil
	}
	return mcp.NewToolResultText(formatInvoice(inv) + "\nTransaction attached. Use check_invoice to verify it on-chain."), nil
}

// HandleCheckInvoice reports an invoice's status, verifying it first when asked.
func (h *Handlers) HandleCheckInvoice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	invoiceID := req.GetString("invoice_id", "")
	if invoiceID == "" {
		return mcp.NewToolResultError("invoice_id is required"), nil
	}

	raw, err := h.client.GetInvoice(ctx, invoiceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get invoice: %v", err)), nil
	}
	inv, err := parseInvoice(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse invoice: %v", err)), nil
	}

	status := getString(inv, "status")
	if !req.GetBool("verify", true) || (status != "submitted" && status != "verifying") {
		return mcp.NewToolResultText(formatInvoice(inv)), nil
	}

	raw, pending, err := h.client.VerifyInvoice(ctx, invoiceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}
	if inv, err = parseInvoice(raw); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse invoice: %v", err)), nil
	}

	text := formatInvoice(inv)
	if pending {
		var resp map[string]any
		_ = json.Unmarshal(raw, &resp)
		text += fmt.Sprintf("\nNot confirmed yet: %s. Try again in a minute.", getString(resp, "message"))
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListChains lists supported chains and tokens.
func (h *Handlers) HandleListChains(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListChains(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list chains: %v", err)), nil
	}

	text, err := formatChainList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse chains: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetSubscription shows a project's subscription.
func (h *Handlers) HandleGetSubscription(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("project_id", h.client.cfg.ProjectID)
	if projectID == "" {
		return mcp.NewToolResultError("project_id is required (no default project configured)"), nil
	}

	raw, err := h.client.GetSubscription(ctx, projectID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get subscription: %v", err)), nil
	}

	text, err := formatSubscription(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse subscription: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// ---------- formatting ----------

// parseInvoice extracts the invoice object from {"invoice": {...}}.
func parseInvoice(raw json.RawMessage) (map[string]any, error) {
	var resp struct {
		Invoice map[string]any `json:"invoice"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Invoice == nil {
		return nil, fmt.Errorf("no invoice in response: %s", string(raw))
	}
	return resp.Invoice, nil
}

func formatInvoice(inv map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Invoice %s\n", getString(inv, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(inv, "status"))
	fmt.Fprintf(&sb, "  Plan: %s (%s)", getString(inv, "tier"), getString(inv, "billingPeriod"))
	if cents, ok := getFloat(inv, "priceCents"); ok {
		fmt.Fprintf(&sb, " $%.2f", cents/100)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Amount: %s %s on %s\n", getString(inv, "amountDisplay"), getString(inv, "token"), getString(inv, "chain"))
	if v := getString(inv, "txHash"); v != "" {
		fmt.Fprintf(&sb, "  Transaction: %s\n", v)
	}
	if v := getString(inv, "explorerUrl"); v != "" {
		fmt.Fprintf(&sb, "  Explorer: %s\n", v)
	}
	if v := getString(inv, "failureReason"); v != "" {
		fmt.Fprintf(&sb, "  Failure: %s\n", v)
	}
	if v := getString(inv, "periodEnd"); v != "" {
		fmt.Fprintf(&sb, "  Paid through: %s\n", v)
	}
	return sb.String()
}

func formatChainList(raw json.RawMessage) (string, error) {
	var resp struct {
		Chains []map[string]any `json:"chains"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Chains) == 0 {
		return "No chains configured.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Supported chains (%d):\n\n", len(resp.Chains))
	for i, c := range resp.Chains {
		conf, _ := getFloat(c, "confirmations")
		fmt.Fprintf(&sb, "%d. %s (%s), %.0f confirmations\n", i+1, getString(c, "name"), getString(c, "key"), conf)
		tokens, _ := c["tokens"].([]any)
		for _, t := range tokens {
			tm, ok := t.(map[string]any)
			if !ok {
				continue
			}
			dec, _ := getFloat(tm, "decimals")
			fmt.Fprintf(&sb, "   %s  %s  (%.0f decimals)\n", getString(tm, "symbol"), getString(tm, "address"), dec)
		}
	}
	return sb.String(), nil
}

func formatSubscription(raw json.RawMessage) (string, error) {
	var resp struct {
		ProjectID     string         `json:"projectId"`
		EffectiveTier string         `json:"effectiveTier"`
		Subscription  map[string]any `json:"subscription"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Project %s\n", resp.ProjectID)
	fmt.Fprintf(&sb, "  Effective tier: %s\n", resp.EffectiveTier)
	if resp.Subscription == nil {
		sb.WriteString("  No paid subscription on record.\n")
		return sb.String(), nil
	}
	s := resp.Subscription
	fmt.Fprintf(&sb, "  Subscription: %s, %s via %s\n", getString(s, "tier"), getString(s, "status"), getString(s, "provider"))
	fmt.Fprintf(&sb, "  Period: %s to %s\n", getString(s, "periodStart"), getString(s, "periodEnd"))
	if v := getString(s, "txHash"); v != "" {
		fmt.Fprintf(&sb, "  Paid with: %s on %s\n", v, getString(s, "chain"))
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
