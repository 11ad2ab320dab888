package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/creditledger/internal/account"
	"github.com/onnwee/creditledger/internal/audit"
	"github.com/onnwee/creditledger/internal/credit"
	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/middleware"
	"github.com/onnwee/creditledger/internal/reconcile"
	"github.com/onnwee/creditledger/internal/validate"
)

// SweepFunc runs one reconciliation pass over stale payments.
// Wired to the sweeper's Sweep method so a trigger and the background loop
// share one implementation.
type SweepFunc func(ctx context.Context, limit int) (reconcile.Stats, error)

// AdminHandlers serves the operator endpoints. All routes must be mounted
// behind RequireAuth and RequireAdmin.
type AdminHandlers struct {
	svc    credit.Service
	sweep  SweepFunc
	logger *slog.Logger
}

// NewAdminHandlers creates admin handlers.
func NewAdminHandlers(svc credit.Service, sweep SweepFunc, logger *slog.Logger) *AdminHandlers {
	return &AdminHandlers{svc: svc, sweep: sweep, logger: logger}
}

// adjustRequest is the JSON body for POST /v1/admin/adjust.
type adjustRequest struct {
	AccountID     string `json:"account_id"`
	Delta         int64  `json:"delta"`
	Comment       string `json:"comment"`
	AllowNegative bool   `json:"allow_negative,omitempty"`
}

// actionResponse is the JSON shape of a recorded admin action.
type actionResponse struct {
	ID              string    `json:"id"`
	ActorAccountID  string    `json:"actor_account_id"`
	TargetAccountID string    `json:"target_account_id"`
	Delta           int64     `json:"delta"`
	Comment         string    `json:"comment"`
	CreatedAt       time.Time `json:"created_at"`
}

func toActionResponse(a *audit.AdminAction) actionResponse {
	return actionResponse{
		ID:              a.ID,
		ActorAccountID:  a.ActorAccountID,
		TargetAccountID: a.TargetAccountID,
		Delta:           a.Delta,
		Comment:         a.Comment,
		CreatedAt:       a.CreatedAt,
	}
}

// Adjust handles POST /v1/admin/adjust.
// Every adjustment requires a non-empty comment; the audit record and the
// ledger entry are written in the same transaction.
func (h *AdminHandlers) Adjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}

	switch {
	case req.AccountID == "":
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "account_id is required")
		return
	case req.Delta == 0:
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "delta must be non-zero")
		return
	}

	// Every adjustment must carry an audit comment of sane length.
	comment, err := validate.AdjustComment(req.Comment)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "comment is required and must be at most 1000 characters")
		return
	}
	req.Comment = comment

	entry, err := h.svc.AdminAdjust(r.Context(), credit.AdjustRequest{
		ActorAccountID:  middleware.GetAccountID(r.Context()),
		TargetAccountID: req.AccountID,
		Delta:           req.Delta,
		Comment:         req.Comment,
		AllowNegative:   req.AllowNegative,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInsufficientCredits)
			WriteError(w, ctx, http.StatusConflict, ErrCodeInsufficientCredits,
				"Adjustment would take the balance below zero; set allow_negative to override")
		case errors.Is(err, account.ErrAccountNotFound):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeAccountNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeAccountNotFound, "Account not found")
		case errors.Is(err, audit.ErrEmptyComment):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "comment is required")
		default:
			h.logger.ErrorContext(r.Context(), "admin adjustment failed",
				slog.String("target_account_id", req.AccountID),
				slog.String("error", err.Error()))
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

// Actions handles GET /v1/admin/actions.
// Accepts optional account_id and limit query parameters.
func (h *AdminHandlers) Actions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	limit, _, err := parsePagination(r)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	actions, err := h.svc.ListActions(r.Context(), r.URL.Query().Get("account_id"), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list admin actions", slog.String("error", err.Error()))
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	resp := make([]actionResponse, 0, len(actions))
	for _, a := range actions {
		resp = append(resp, toActionResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": resp})
}

// reconcileRequest is the JSON body for POST /v1/admin/reconcile.
type reconcileRequest struct {
	Limit int `json:"limit,omitempty"`
}

// Reconcile handles POST /v1/admin/reconcile, running one sweep immediately
// instead of waiting for the next scheduled pass.
func (h *AdminHandlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	var req reconcileRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
			return
		}
	}
	if req.Limit < 0 {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "limit must be non-negative")
		return
	}

	stats, err := h.sweep(r.Context(), req.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "manual reconciliation failed", slog.String("error", err.Error()))
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Reconciliation sweep failed")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// Accounts handles the /v1/admin/accounts/{id}/... subresources:
//
//	GET  /v1/admin/accounts/{id}/balance
//	GET  /v1/admin/accounts/{id}/ledger
//	POST /v1/admin/accounts/{id}/anonymize
func (h *AdminHandlers) Accounts(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/admin/accounts/"), "/")
	if len(pathParts) != 2 || pathParts[0] == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Not found")
		return
	}
	accountID := pathParts[0]

	switch pathParts[1] {
	case "balance":
		if r.Method != http.MethodGet {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
			WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
			return
		}
		balance, err := h.svc.Balance(r.Context(), accountID)
		if err != nil {
			h.writeAccountError(w, r, err, "failed to load balance")
			return
		}
		writeJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: balance})

	case "ledger":
		if r.Method != http.MethodGet {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
			WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
			return
		}
		limit, offset, err := parsePagination(r)
		if err != nil {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		entries, err := h.svc.History(r.Context(), accountID, limit, offset)
		if err != nil {
			h.writeAccountError(w, r, err, "failed to load ledger history")
			return
		}
		resp := ledgerResponse{Entries: make([]entryResponse, 0, len(entries)), Limit: limit, Offset: offset}
		for _, e := range entries {
			resp.Entries = append(resp.Entries, toEntryResponse(e))
		}
		writeJSON(w, http.StatusOK, resp)

	case "anonymize":
		if r.Method != http.MethodPost {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
			WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
			return
		}
		if err := h.svc.Anonymize(r.Context(), accountID); err != nil {
			h.writeAccountError(w, r, err, "failed to anonymize account")
			return
		}
		h.logger.InfoContext(r.Context(), "account anonymized",
			slog.String("account_id", accountID),
			slog.String("actor_account_id", middleware.GetAccountID(r.Context())))
		writeJSON(w, http.StatusOK, map[string]string{"account_id": accountID, "status": "anonymized"})

	default:
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Not found")
	}
}

func (h *AdminHandlers) writeAccountError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if errors.Is(err, account.ErrAccountNotFound) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAccountNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeAccountNotFound, "Account not found")
		return
	}
	h.logger.ErrorContext(r.Context(), msg, slog.String("error", err.Error()))
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
	WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
}
