package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the billing MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolIssueInvoice = mcp.NewTool("issue_invoice",
	mcp.WithDescription(
		"Create a crypto invoice for a subscription tier. "+
			"Returns the exact token amount to send, the recipient address and the expiry time. "+
			"The payer must send exactly that amount; any other amount will be rejected."),
	mcp.WithString("project_id",
		mcp.Description("Project to bill. Defaults to the server's configured project.")),
	mcp.WithString("tier",
		mcp.Required(),
		mcp.Description("Subscription tier to buy"),
		mcp.Enum("pro", "business")),
	mcp.WithString("billing_period",
		mcp.Description("Billing period (default monthly). Annual is twelve months for the price of ten."),
		mcp.Enum("monthly", "annual")),
	mcp.WithString("token",
		mcp.Required(),
		mcp.Description("Stablecoin symbol, e.g. 'USDC' or 'USDT'. Use list_chains to see what each chain accepts.")),
	mcp.WithString("chain",
		mcp.Required(),
		mcp.Description("Chain key, e.g. 'base', 'ethereum', 'bsc'")),
)

var ToolSubmitTransaction = mcp.NewTool("submit_transaction",
	mcp.WithDescription(
		"Attach the payer's transaction hash to a pending invoice. "+
			"A hash can pay for exactly one invoice. Call check_invoice afterwards to verify it on-chain."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("Invoice ID from issue_invoice (e.g. 'inv_...')")),
	mcp.WithString("tx_hash",
		mcp.Required(),
		mcp.Description("Transaction hash: 0x followed by 64 hex characters")),
)

var ToolCheckInvoice = mcp.NewTool("check_invoice",
	mcp.WithDescription(
		"Check an invoice's status. With verify=true (the default) and a submitted transaction, "+
			"this also checks the transaction on-chain and activates the subscription once it is confirmed."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("Invoice ID (e.g. 'inv_...')")),
	mcp.WithBoolean("verify",
		mcp.Description("Run on-chain verification if a transaction is attached (default true)")),
)

var ToolListChains = mcp.NewTool("list_chains",
	mcp.WithDescription(
		"List supported chains, their stablecoins with decimals and contract addresses, "+
			"and how many confirmations each chain requires."),
)

var ToolGetSubscription = mcp.NewTool("get_subscription",
	mcp.WithDescription(
		"Show a project's current subscription, who it was paid through and the tier in effect now."),
	mcp.WithString("project_id",
		mcp.Description("Project ID. Defaults to the server's configured project.")),
)
