package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/korarent/internal/logging"
	"github.com/mbd888/korarent/internal/pagination"
	"github.com/mbd888/korarent/internal/registry"
	"github.com/mbd888/korarent/internal/reports"
	"github.com/mbd888/korarent/internal/tracker"
	"github.com/mbd888/korarent/internal/validation"
)

// MaxIngestTxLimit bounds the txLimit accepted by POST /v1/ingest.
const MaxIngestTxLimit = 100_000

func (s *Server) registryHandler(c *gin.Context) {
	sum, err := s.tracker.Summary(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"registry": sum,
		"canSign":  s.tracker.CanSign(),
		"busy":     s.tracker.Busy(),
	})
}

func (s *Server) listAccounts(c *gin.Context) {
	var f registry.Filter
	if v := c.Query("status"); v != "" {
		st, err := registry.ParseStatus(v)
		if err != nil {
			badRequest(c, "invalid_status", err.Error())
			return
		}
		f.Status = &st
	}
	if v := c.Query("kind"); v != "" {
		k, err := registry.ParseKind(v)
		if err != nil {
			badRequest(c, "invalid_kind", err.Error())
			return
		}
		f.Kind = &k
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}

	accts, err := s.tracker.Accounts(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	slices.SortStableFunc(accts, func(a, b registry.TrackedAccount) int {
		if d := a.CreatedAt.Compare(b.CreatedAt); d != 0 {
			return d
		}
		return strings.Compare(a.Address, b.Address)
	})

	page, next, err := pagination.Page(accts, c.Query("cursor"), limit, func(a registry.TrackedAccount) (time.Time, string) {
		return a.CreatedAt, a.Address
	})
	if err != nil {
		badRequest(c, "invalid_cursor", err.Error())
		return
	}
	if page == nil {
		page = []registry.TrackedAccount{}
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts":   page,
		"count":      len(page),
		"total":      len(accts),
		"nextCursor": next,
	})
}

func (s *Server) getAccount(c *gin.Context) {
	acct, err := s.tracker.Account(c.Request.Context(), c.Param("address"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) validateAccount(c *gin.Context) {
	res, err := s.tracker.ValidateAccount(c.Request.Context(), c.Param("address"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listReports(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	all, err := s.tracker.Reports(c.Request.Context(), 0)
	if err != nil {
		s.writeError(c, err)
		return
	}
	page, next, err := pagination.Page(all, c.Query("cursor"), limit, func(r *reports.ReclaimReport) (time.Time, string) {
		return r.Timestamp, r.RunID
	})
	if err != nil {
		badRequest(c, "invalid_cursor", err.Error())
		return
	}
	if page == nil {
		page = []*reports.ReclaimReport{}
	}
	c.JSON(http.StatusOK, gin.H{
		"reports":    page,
		"count":      len(page),
		"nextCursor": next,
	})
}

func (s *Server) getReport(c *gin.Context) {
	rep, err := s.tracker.Report(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// IngestRequest is the optional body of POST /v1/ingest.
type IngestRequest struct {
	TxLimit int `json:"txLimit"`
}

func (s *Server) ingestHandler(c *gin.Context) {
	var req IngestRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if errs := validation.Validate(validation.IntRange("txLimit", req.TxLimit, 1, MaxIngestTxLimit)); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	if req.TxLimit == 0 {
		req.TxLimit = s.cfg.IngestTxLimit
	}
	if s.tracker.Busy() {
		s.writeError(c, tracker.ErrBusy)
		return
	}

	res, err := s.tracker.IngestTransactionHistory(detached(c), "", req.TxLimit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) refreshHandler(c *gin.Context) {
	if s.tracker.Busy() {
		s.writeError(c, tracker.ErrBusy)
		return
	}
	sum, err := s.tracker.RefreshAccountStatuses(detached(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// ReclaimRequest is the body of POST /v1/reclaim. DryRun defaults to true;
// a live run also needs Confirm.
type ReclaimRequest struct {
	Addresses []string `json:"addresses"`
	DryRun    *bool    `json:"dryRun"`
	Confirm   bool     `json:"confirm"`
}

func (s *Server) reclaimHandler(c *gin.Context) {
	var req ReclaimRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if errs := validation.Validate(validation.ValidAddresses("addresses", req.Addresses)); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	dryRun := req.DryRun == nil || *req.DryRun
	if !dryRun && !req.Confirm {
		badRequest(c, "confirmation_required", "live reclaim requires \"confirm\": true")
		return
	}
	if !dryRun && s.tracker.Busy() {
		s.writeError(c, tracker.ErrBusy)
		return
	}

	logging.L(c.Request.Context()).Info("reclaim requested",
		"dry_run", dryRun,
		"addresses", len(req.Addresses),
	)
	rep, err := s.tracker.ExecuteReclaim(detached(c), req.Addresses, dryRun)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// detached keeps request-scoped values but ignores client disconnects, so a
// mutating run always finishes and persists.
func detached(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, tracker.ErrBusy), errors.Is(err, registry.ErrLockHeld):
		status, code = http.StatusConflict, "run_in_progress"
	case errors.Is(err, registry.ErrOperatorMismatch):
		status, code = http.StatusConflict, "operator_mismatch"
	case errors.Is(err, tracker.ErrLiveNotAllowed):
		status, code = http.StatusForbidden, "signer_unavailable"
	case errors.Is(err, registry.ErrAccountNotFound):
		status, code = http.StatusNotFound, "account_not_found"
	case errors.Is(err, reports.ErrReportNotFound):
		status, code = http.StatusNotFound, "report_not_found"
	case errors.Is(err, reports.ErrInvalidRunID):
		status, code = http.StatusBadRequest, "invalid_run_id"
	}

	if status >= 500 {
		logging.L(c.Request.Context()).Error("request failed", "error", err)
		c.JSON(status, gin.H{"error": code, "message": "An unexpected error occurred"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": msg})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}

// bindOptionalJSON decodes a JSON body when one is present.
func bindOptionalJSON(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		badRequest(c, "invalid_"+key, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
