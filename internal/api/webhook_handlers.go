package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/creditledger/internal/credit"
	"github.com/onnwee/creditledger/internal/middleware"
	"github.com/onnwee/creditledger/internal/provider"
)

// maxWebhookBodyBytes bounds the webhook payload size. Stripe events are
// small; anything larger is not a legitimate delivery.
const maxWebhookBodyBytes = 1 << 20 // 1 MiB

// WebhookHandlers handles incoming payment provider webhooks.
type WebhookHandlers struct {
	provider provider.Provider
	svc      credit.Service
	logger   *slog.Logger
}

// NewWebhookHandlers creates webhook handlers for the given provider.
func NewWebhookHandlers(p provider.Provider, svc credit.Service, logger *slog.Logger) *WebhookHandlers {
	return &WebhookHandlers{provider: p, svc: svc, logger: logger}
}

// webhookResponse is returned for accepted webhook deliveries.
type webhookResponse struct {
	Received bool   `json:"received"`
	Result   string `json:"result"`
}

// HandleWebhook handles POST /webhooks/{provider}.
//
// The signature is verified before anything else; deliveries that fail
// verification get 400 and are never processed. Verified events are handed to
// the credit service, which is idempotent, so provider retries of an already
// processed event return 200 without side effects.
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Failed to read request body")
		return
	}

	event, err := h.provider.VerifyWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrInvalidSignature):
			h.logger.WarnContext(r.Context(), "webhook signature verification failed",
				slog.String("provider", h.provider.Name()))
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidSignature)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidSignature, "Webhook signature verification failed")
		case errors.Is(err, provider.ErrMalformedPayload):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeMalformedPayload)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeMalformedPayload, "Webhook payload could not be parsed")
		default:
			h.logger.ErrorContext(r.Context(), "webhook verification error",
				slog.String("provider", h.provider.Name()),
				slog.String("error", err.Error()))
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to verify webhook")
		}
		return
	}

	outcome, err := h.svc.ProcessEvent(r.Context(), event)
	if err != nil {
		// 500 tells the provider to redeliver; the idempotency guard makes
		// the retry safe.
		h.logger.ErrorContext(r.Context(), "webhook processing failed",
			slog.String("provider", event.Provider),
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()))
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to process event")
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Result: outcome.Result()})
}
