package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/korarent/internal/reports"
	"github.com/mbd888/korarent/internal/safety"
)

const defaultListLimit = 20

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleRegistrySummary reports totals and status counts.
func (h *Handlers) HandleRegistrySummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, err := h.client.Registry(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read registry: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRegistry(v)), nil
}

// HandleListAccounts lists tracked accounts.
func (h *Handlers) HandleListAccounts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statusFilter := req.GetString("status", "")
	kind := req.GetString("kind", "")
	limit := req.GetInt("limit", defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	}

	page, err := h.client.ListAccounts(ctx, statusFilter, kind, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list accounts: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAccounts(page)), nil
}

// HandleValidateAccount explains whether one account could be reclaimed.
func (h *Handlers) HandleValidateAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	res, err := h.client.ValidateAccount(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to validate %s: %v", address, err)), nil
	}
	return mcp.NewToolResultText(formatValidation(res)), nil
}

// HandleRefreshStatuses re-reads every tracked account.
func (h *Handlers) HandleRefreshStatuses(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sum, err := h.client.Refresh(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Refresh failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Refreshed account statuses.\n"+
			"  active:  %d\n"+
			"  empty:   %d\n"+
			"  closed:  %d\n"+
			"  unknown: %d\n"+
			"  changed: %d, read errors: %d",
		sum.Active, sum.Empty, sum.Closed, sum.Unknown, sum.Updated, sum.Errors)), nil
}

// HandleIngestHistory scans new operator transactions.
func (h *Handlers) HandleIngestHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txLimit := req.GetInt("tx_limit", 0)
	if txLimit < 0 {
		return mcp.NewToolResultError("tx_limit must be positive"), nil
	}

	res, err := h.client.Ingest(ctx, txLimit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Ingest failed: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Scanned %d transactions, found %d new sponsored accounts", res.Processed, res.NewFound)
	if res.Errors > 0 {
		fmt.Fprintf(&sb, " (%d transactions could not be read)", res.Errors)
	}
	sb.WriteString(".\n")
	if res.WatermarkMissed {
		sb.WriteString("Warning: the previous watermark was not found; older history may have been skipped.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandlePreviewReclaim runs a dry-run reclaim.
func (h *Handlers) HandlePreviewReclaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addresses := req.GetStringSlice("addresses", nil)

	rep, err := h.client.PreviewReclaim(ctx, addresses)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reclaim preview failed: %v", err)), nil
	}
	return mcp.NewToolResultText(reports.Summary(rep)), nil
}

// -----------------------------------------------------------------------------
// Formatting
// -----------------------------------------------------------------------------

func formatRegistry(v *RegistryView) string {
	r := v.Registry
	var sb strings.Builder
	fmt.Fprintf(&sb, "Operator: %s\n", r.Operator)
	fmt.Fprintf(&sb, "Tracked accounts: %d\n", r.Tracked)
	fmt.Fprintf(&sb, "  active %d, empty %d, closed %d, unknown %d\n",
		r.Counts.Active, r.Counts.Empty, r.Counts.Closed, r.Counts.Unknown)
	fmt.Fprintf(&sb, "Lifetime sponsored: %d accounts, %s SOL rent locked\n",
		r.Metrics.AccountsSponsored, reports.SOL(r.Metrics.RentLocked))
	fmt.Fprintf(&sb, "Lifetime reclaimed: %s SOL from %d closed accounts\n",
		reports.SOL(r.Metrics.RentReclaimed), r.Metrics.AccountsClosed)
	if r.LastProcessedSignature != "" {
		fmt.Fprintf(&sb, "Ingest watermark: %s\n", r.LastProcessedSignature)
	}
	if v.CanSign {
		sb.WriteString("Signer: loaded (live reclaims allowed)\n")
	} else {
		sb.WriteString("Signer: not loaded (read-only)\n")
	}
	if v.Busy {
		sb.WriteString("A run is in progress.\n")
	}
	return sb.String()
}

func formatAccounts(p *AccountPage) string {
	if len(p.Accounts) == 0 {
		return "No tracked accounts match."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Showing %d of %d accounts:\n\n", p.Count, p.Total)
	for _, a := range p.Accounts {
		fmt.Fprintf(&sb, "- %s [%s, %s] rent %s SOL, created %s\n",
			a.Address, a.Kind, a.Status, reports.SOL(a.RentAmount), a.CreatedAt.UTC().Format("2006-01-02"))
	}
	if p.NextCursor != "" {
		sb.WriteString("\nMore accounts available; raise the limit to see them.\n")
	}
	return sb.String()
}

func formatValidation(r *safety.Result) string {
	var sb strings.Builder
	if r.CanReclaim {
		fmt.Fprintf(&sb, "%s can be reclaimed (%s SOL).\n", r.Address, reports.SOL(r.Balance))
	} else {
		fmt.Fprintf(&sb, "%s cannot be reclaimed: %s\n", r.Address, r.Reason)
	}
	fmt.Fprintf(&sb, "Kind: %s, risk: %s\n\nChecks:\n", r.Kind, r.RiskLevel)
	for _, c := range r.Checks {
		mark := "PASS"
		if !c.Passed {
			mark = "FAIL"
		}
		line := fmt.Sprintf("  [%s] %s", mark, c.Name)
		if c.Detail != "" {
			line += ": " + c.Detail
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}
