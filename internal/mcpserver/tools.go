package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the LLM reads to decide which tool
// to use.

var ToolRegistrySummary = mcp.NewTool("registry_summary",
	mcp.WithDescription(
		"Summarize the rent-sponsorship registry of this Kora node: how many accounts the operator "+
			"has sponsored, how much rent is locked and reclaimed, and status counts "+
			"(active, empty, closed, unknown)."),
)

var ToolListAccounts = mcp.NewTool("list_accounts",
	mcp.WithDescription(
		"List sponsored accounts tracked by the node. Filter by status to find reclaim candidates "+
			"(status 'empty') or by account kind."),
	mcp.WithString("status",
		mcp.Description("Only accounts in this status"),
		mcp.Enum("active", "empty", "closed", "unknown")),
	mcp.WithString("kind",
		mcp.Description("Only accounts of this kind"),
		mcp.Enum("system", "token", "program_derived", "unknown")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of accounts to return (default 20)")),
)

var ToolValidateAccount = mcp.NewTool("validate_account",
	mcp.WithDescription(
		"Run the reclaim safety checks for one tracked account without acting on the result. "+
			"Explains whether the rent could be reclaimed and which check blocks it."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Base58 address of the tracked account")),
)

var ToolRefreshStatuses = mcp.NewTool("refresh_statuses",
	mcp.WithDescription(
		"Re-read every tracked account from the chain and update its status. "+
			"Run this before previewing a reclaim so candidates are current."),
)

var ToolIngestHistory = mcp.NewTool("ingest_history",
	mcp.WithDescription(
		"Scan the operator's new transactions for accounts it paid rent for and add them to the registry."),
	mcp.WithNumber("tx_limit",
		mcp.Description("Maximum number of new transactions to scan (default: daemon setting)")),
)

var ToolPreviewReclaim = mcp.NewTool("preview_reclaim",
	mcp.WithDescription(
		"Dry-run a rent reclaim: validate candidates and report how many lamports would return to the "+
			"treasury. Nothing is sent to the chain. Live reclaims are only possible from the CLI or admin API."),
	mcp.WithArray("addresses",
		mcp.Description("Specific tracked accounts to preview. Omit to preview every empty account."),
		mcp.WithStringItems()),
)
