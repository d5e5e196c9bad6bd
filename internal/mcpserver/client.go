package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/korarent/internal/ingest"
	"github.com/mbd888/korarent/internal/registry"
	"github.com/mbd888/korarent/internal/reports"
	"github.com/mbd888/korarent/internal/safety"
	"github.com/mbd888/korarent/internal/status"
)

// Config holds the configuration for reaching a korarentd admin API.
type Config struct {
	APIURL     string // Base URL, e.g. "http://localhost:8080"
	AdminToken string // ADMIN_SECRET of the daemon, empty if unset
}

// Client is an HTTP client for the korarentd admin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client. Refresh and ingest can take minutes on a large
// registry, so the timeout is generous.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// apiError represents an error response from the daemon.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RegistryView is the body of GET /v1/registry.
type RegistryView struct {
	Registry registry.Summary `json:"registry"`
	CanSign  bool             `json:"canSign"`
	Busy     bool             `json:"busy"`
}

// AccountPage is the body of GET /v1/accounts.
type AccountPage struct {
	Accounts   []registry.TrackedAccount `json:"accounts"`
	Count      int                       `json:"count"`
	Total      int                       `json:"total"`
	NextCursor string                    `json:"nextCursor"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AdminToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Registry returns the registry summary.
func (c *Client) Registry(ctx context.Context) (*RegistryView, error) {
	var v RegistryView
	if err := c.do(ctx, http.MethodGet, "/v1/registry", nil, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListAccounts lists tracked accounts. Empty filters are omitted.
func (c *Client) ListAccounts(ctx context.Context, statusFilter, kind string, limit int) (*AccountPage, error) {
	q := url.Values{}
	if statusFilter != "" {
		q.Set("status", statusFilter)
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var p AccountPage
	if err := c.do(ctx, http.MethodGet, "/v1/accounts", q, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ValidateAccount runs the safety checks for one account.
func (c *Client) ValidateAccount(ctx context.Context, address string) (*safety.Result, error) {
	var r safety.Result
	path := "/v1/accounts/" + url.PathEscape(address) + "/validation"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Refresh re-reads every tracked account.
func (c *Client) Refresh(ctx context.Context) (*status.Summary, error) {
	var s status.Summary
	if err := c.do(ctx, http.MethodPost, "/v1/refresh", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Ingest scans up to txLimit new transactions; zero uses the daemon default.
func (c *Client) Ingest(ctx context.Context, txLimit int) (*ingest.Result, error) {
	var body any
	if txLimit > 0 {
		body = map[string]int{"txLimit": txLimit}
	}
	var r ingest.Result
	if err := c.do(ctx, http.MethodPost, "/v1/ingest", nil, body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// PreviewReclaim runs a dry-run reclaim. This client never requests a live run.
func (c *Client) PreviewReclaim(ctx context.Context, addresses []string) (*reports.ReclaimReport, error) {
	body := map[string]any{"dryRun": true}
	if len(addresses) > 0 {
		body["addresses"] = addresses
	}
	var r reports.ReclaimReport
	if err := c.do(ctx, http.MethodPost, "/v1/reclaim", nil, body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
