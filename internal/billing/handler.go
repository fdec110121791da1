// AngelaMos | 2026
// handler.go

package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/carterperez-dev/entitlement-engine/internal/core"
)

const (
	maxWebhookBody  = 64 << 10
	signatureHeader = "Stripe-Signature"
)

type applier interface {
	Apply(ctx context.Context, ev Event) (Result, error)
}

type Handler struct {
	reconciler applier
	secret     string
	logger     *slog.Logger
}

func NewHandler(reconciler *Reconciler, webhookSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		reconciler: reconciler,
		secret:     webhookSecret,
		logger:     logger,
	}
}

// RegisterRoutes mounts the public webhook endpoint. limit may be nil.
func (h *Handler) RegisterRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}
		r.Post("/billing/webhook", h.Webhook)
	})
}

type webhookResponse struct {
	EventID string `json:"event_id"`
	Result  Result `json:"result"`
}

func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			core.Error(w, http.StatusRequestEntityTooLarge, core.CodeRequestTooLarge,
				"payload too large")
			return
		}
		core.BadRequest(w, "unreadable payload")
		return
	}

	se, err := webhook.ConstructEventWithOptions(
		payload,
		r.Header.Get(signatureHeader),
		h.secret,
		webhook.ConstructEventOptions{
			Tolerance:                webhook.DefaultTolerance,
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature rejected", "error", err)
		core.BadRequest(w, "invalid signature")
		return
	}

	ev, err := FromStripe(se)
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook payload rejected",
			"event_id", se.ID,
			"event_type", se.Type,
			"error", err,
		)
		core.BadRequest(w, "unsupported payload")
		return
	}

	res, err := h.reconciler.Apply(r.Context(), ev)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "webhook reconciliation failed",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"error", err,
		)
		core.Error(w, http.StatusInternalServerError, core.CodeInternal,
			"reconciliation failed")
		return
	}

	core.OK(w, webhookResponse{EventID: ev.ID, Result: res})
}
