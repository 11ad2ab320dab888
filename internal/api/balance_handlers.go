package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/creditledger/internal/account"
	"github.com/onnwee/creditledger/internal/credit"
	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/middleware"
	"github.com/onnwee/creditledger/internal/validate"
)

// Pagination limits for ledger history.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// BalanceHandlers serves the account-facing balance and ledger endpoints.
// The account id always comes from the authenticated token, never from the
// request body.
type BalanceHandlers struct {
	svc    credit.Service
	logger *slog.Logger
}

// NewBalanceHandlers creates balance handlers backed by the given service.
func NewBalanceHandlers(svc credit.Service, logger *slog.Logger) *BalanceHandlers {
	return &BalanceHandlers{svc: svc, logger: logger}
}

// balanceResponse is the JSON body for GET /v1/balance.
type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// debitRequest is the JSON body for POST /v1/debit.
type debitRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

// entryResponse is the JSON shape of a single ledger entry.
type entryResponse struct {
	ID        string    `json:"id"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	PaymentID string    `json:"payment_id,omitempty"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// debitResponse is the JSON body for a successful debit.
type debitResponse struct {
	Entry   entryResponse `json:"entry"`
	Balance int64         `json:"balance"`
}

// ledgerResponse is the JSON body for GET /v1/ledger.
type ledgerResponse struct {
	Entries []entryResponse `json:"entries"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

func toEntryResponse(e *ledger.Entry) entryResponse {
	resp := entryResponse{
		ID:        e.ID,
		Delta:     e.Delta,
		Reason:    string(e.Reason),
		CreatedAt: e.CreatedAt,
	}
	if e.PaymentID != nil {
		resp.PaymentID = *e.PaymentID
	}
	if e.Reference != nil {
		resp.Reference = *e.Reference
	}
	return resp
}

// Balance handles GET /v1/balance.
func (h *BalanceHandlers) Balance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	accountID := middleware.GetAccountID(r.Context())
	if accountID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return
	}

	balance, err := h.svc.Balance(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to load balance")
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: balance})
}

// Debit handles POST /v1/debit.
// A debit that exceeds the balance returns 409 insufficient_credits and
// writes nothing.
func (h *BalanceHandlers) Debit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	accountID := middleware.GetAccountID(r.Context())
	if accountID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return
	}

	var req debitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}
	if req.Amount <= 0 {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "amount must be a positive integer")
		return
	}

	// The reference lands in the ledger verbatim; bound it.
	reference, err := validate.DebitReference(req.Reference)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "reference must be at most 200 characters")
		return
	}
	req.Reference = reference

	// The balance comes from the debit transaction itself, so the
	// response cannot disagree with the entry just written.
	entry, balance, err := h.svc.Debit(r.Context(), credit.DebitRequest{
		AccountID: accountID,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInsufficientCredits)
			WriteError(w, ctx, http.StatusConflict, ErrCodeInsufficientCredits,
				fmt.Sprintf("Insufficient credits for debit of %d", req.Amount))
			return
		}
		h.writeServiceError(w, r, err, "failed to debit account")
		return
	}

	writeJSON(w, http.StatusOK, debitResponse{Entry: toEntryResponse(entry), Balance: balance})
}

// Ledger handles GET /v1/ledger with limit/offset pagination.
func (h *BalanceHandlers) Ledger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	accountID := middleware.GetAccountID(r.Context())
	if accountID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
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
		h.writeServiceError(w, r, err, "failed to load ledger history")
		return
	}

	resp := ledgerResponse{Entries: make([]entryResponse, 0, len(entries)), Limit: limit, Offset: offset}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError maps service errors to API errors, defaulting to 500.
func (h *BalanceHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if errors.Is(err, account.ErrAccountNotFound) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAccountNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeAccountNotFound, "Account not found")
		return
	}
	h.logger.ErrorContext(r.Context(), msg, slog.String("error", err.Error()))
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
	WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
}

// parsePagination reads limit and offset query parameters with defaults.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
