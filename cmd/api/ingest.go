package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/onnwee/auditrail/internal/billing"
	"github.com/onnwee/auditrail/internal/broker"
	"github.com/onnwee/auditrail/internal/event"
	"github.com/onnwee/auditrail/internal/ratelimit"
	"github.com/onnwee/auditrail/internal/region"
	"github.com/onnwee/auditrail/internal/validate"
)

// Error codes returned by the internal ingest endpoint.
const (
	errCodeBadRequest    = "bad_request"
	errCodeValidation    = "validation_error"
	errCodeRateLimited   = "rate_limited"
	errCodeQuotaExceeded = "quota_exceeded"
	errCodeUnknownTenant = "unknown_tenant"
	errCodeInternal      = "internal_error"
)

// errorResponse is the standard error body: {"error": {"code", "message"}}.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: errorDetail{Code: code, Message: message}}); err != nil {
		slog.Error("failed to write error response", "error", err)
	}
}

// ingestRequest is the payload accepted by POST /internal/v1/events. The
// public API layer authenticates the caller and forwards the tenant
// identifiers; this endpoint trusts them.
type ingestRequest struct {
	CompanyID   string         `json:"company_id"`
	WorkspaceID string         `json:"workspace_id"`
	ProjectID   *string        `json:"project_id,omitempty"`
	Action      string         `json:"action"`
	Category    string         `json:"category"`
	Actor       *event.Actor   `json:"actor,omitempty"`
	Target      *event.Target  `json:"target,omitempty"`
	Payload     event.Document `json:"payload,omitempty"`
	Metadata    event.Document `json:"metadata,omitempty"`
	Changes     []event.Change `json:"changes,omitempty"`
}

type ingestResponse struct {
	ID         string  `json:"id"`
	Hash       string  `json:"hash"`
	PrevHash   *string `json:"prev_hash"`
	DataRegion string  `json:"data_region"`
	CreatedAt  string  `json:"created_at"`
}

// IngestHandler accepts pre-authenticated events, applies rate limiting and
// quota enforcement, and hands admitted events to the broker. Two buckets
// gate each request: one keyed on the company and one on the client IP, so a
// single misbehaving forwarder cannot drain a tenant's budget.
type IngestHandler struct {
	broker       *broker.Broker
	enforcer     billing.Enforcer
	limits       ratelimit.Store
	companyLimit ratelimit.Config
	ipLimit      ratelimit.Config
	logger       *slog.Logger
}

func NewIngestHandler(b *broker.Broker, enforcer billing.Enforcer, limits ratelimit.Store, companyLimit, ipLimit ratelimit.Config, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{
		broker:       b,
		enforcer:     enforcer,
		limits:       limits,
		companyLimit: companyLimit,
		ipLimit:      ipLimit,
		logger:       logger,
	}
}

// clientIP extracts the host part of the remote address for rate limit
// keying. The service sits behind the API layer, not the open internet, so
// the socket peer is the right identity.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *IngestHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errCodeBadRequest, "Method not allowed")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "Invalid JSON in request body")
		return
	}

	if strings.TrimSpace(req.CompanyID) == "" {
		writeError(w, http.StatusBadRequest, errCodeValidation, "company_id is required")
		return
	}
	if strings.TrimSpace(req.WorkspaceID) == "" {
		writeError(w, http.StatusBadRequest, errCodeValidation, "workspace_id is required")
		return
	}
	action, err := validate.Action(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeValidation, fmt.Sprintf("invalid action: %v", err))
		return
	}
	category, err := validate.Category(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeValidation, fmt.Sprintf("invalid category: %v", err))
		return
	}
	if req.Actor != nil && req.Actor.Email != nil {
		email, err := validate.Email(*req.Actor.Email)
		if err != nil {
			writeError(w, http.StatusBadRequest, errCodeValidation, fmt.Sprintf("invalid actor email: %v", err))
			return
		}
		req.Actor.Email = &email
	}

	if allowed, _, retryAfter := h.limits.Allow(r.Context(), "ip:"+clientIP(r), h.ipLimit); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, errCodeRateLimited, "Rate limit exceeded")
		return
	}

	allowed, remaining, retryAfter := h.limits.Allow(r.Context(), "company:"+req.CompanyID, h.companyLimit)
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, errCodeRateLimited, "Rate limit exceeded")
		return
	}

	checkpoint, err := h.enforcer.IncrementUsage(r.Context(), req.CompanyID, req.WorkspaceID, 1)
	if err != nil {
		var quotaErr *billing.QuotaExceededError
		if errors.As(err, &quotaErr) {
			writeError(w, http.StatusTooManyRequests, errCodeQuotaExceeded, "Monthly event limit reached")
			return
		}
		h.logger.ErrorContext(r.Context(), "usage increment failed", "error", err, "company_id", req.CompanyID)
		writeError(w, http.StatusInternalServerError, errCodeInternal, "Failed to record usage")
		return
	}
	if checkpoint.SoftLimitTriggered {
		h.logger.WarnContext(r.Context(), "soft usage limit crossed",
			"company_id", req.CompanyID,
			"usage", checkpoint.Meter.CurrentValue,
			"limit", checkpoint.Meter.Limit)
	}

	evt, err := h.broker.Ingest(r.Context(), req.CompanyID, req.WorkspaceID, event.Input{
		ProjectID: req.ProjectID,
		Action:    action,
		Category:  category,
		Actor:     req.Actor,
		Target:    req.Target,
		Payload:   req.Payload,
		Metadata:  req.Metadata,
		Changes:   req.Changes,
	})
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, errCodeValidation, err.Error())
		case errors.Is(err, region.ErrCompanyNotFound):
			writeError(w, http.StatusNotFound, errCodeUnknownTenant, "Unknown company")
		default:
			h.logger.ErrorContext(r.Context(), "ingest failed", "error", err, "company_id", req.CompanyID)
			writeError(w, http.StatusInternalServerError, errCodeInternal, "Failed to ingest event")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(ingestResponse{
		ID:         evt.ID,
		Hash:       evt.Hash,
		PrevHash:   evt.PrevHash,
		DataRegion: evt.DataRegion,
		CreatedAt:  evt.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}); err != nil {
		slog.Error("failed to write ingest response", "error", err)
	}
}
