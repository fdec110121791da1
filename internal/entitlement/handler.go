// AngelaMos | 2026
// handler.go

package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/carterperez-dev/entitlement-engine/internal/core"
	"github.com/carterperez-dev/entitlement-engine/internal/middleware"
	"github.com/carterperez-dev/entitlement-engine/internal/retry"
)

const maxUsageBodySize = 16 << 10

type Handler struct {
	service   *Service
	validator *validator.Validate
	timeout   time.Duration
}

func NewHandler(service *Service, timeout time.Duration) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(validator.WithRequiredStructEnabled()),
		timeout:   timeout,
	}
}

// RegisterRoutes mounts the user-facing entitlement endpoints. usageLimit
// guards only the usage report.
func (h *Handler) RegisterRoutes(
	r chi.Router,
	authenticator, usageLimit func(http.Handler) http.Handler,
) {
	r.Route("/entitlements", func(r chi.Router) {
		r.Use(authenticator)

		r.Get("/status", h.GetStatus)
		r.Get("/can-generate", h.CanGenerate)
		r.With(usageLimit).Post("/usage", h.RecordUsage)
	})

	r.Route("/subscriptions", func(r chi.Router) {
		r.Use(authenticator)

		r.Post("/cancel", h.Cancel)
		r.Post("/reactivate", h.Reactivate)
	})
}

// RegisterAdminRoutes expects r to already require an administrator.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/users/{userID}/entitlement", h.AdminGetEntitlement)
	r.Delete("/users/{userID}/entitlement/cache", h.AdminInvalidate)
	r.Post("/users/{userID}/usage/rebuild", h.AdminRebuildUsage)
}

func (h *Handler) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()

	userID := middleware.GetUserID(ctx)

	st, err := h.service.GetSubscriptionStatus(ctx, userID)
	if err != nil {
		WriteError(w, err)
		return
	}

	d, err := h.service.CanGenerateDocument(ctx, userID)
	if err != nil {
		WriteError(w, err)
		return
	}

	core.OK(w, StatusResponse{Status: st, CanGenerate: d.CanGenerate})
}

func (h *Handler) CanGenerate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()

	d, err := h.service.CanGenerateDocument(ctx, middleware.GetUserID(ctx))
	if err != nil {
		WriteError(w, err)
		return
	}

	core.OK(w, d)
}

func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUsageBodySize)

	var req RecordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		core.ValidationFailed(w, core.FormatValidationError(err))
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	if len(key) > 128 {
		core.ValidationFailed(w, IdempotencyKeyHeader+" must be at most 128 characters")
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()

	res, err := h.service.RecordDocumentUsageWithKey(
		ctx,
		key,
		middleware.GetUserID(ctx),
		req.DocumentType,
		req.Metadata(),
	)
	if err != nil {
		WriteError(w, err)
		return
	}

	if !res.Success {
		core.JSONError(w, core.QuotaExceededError(res.Reason))
		return
	}

	if res.Duplicate {
		core.OK(w, res)
		return
	}
	core.Created(w, res)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()

	res, err := h.service.CancelSubscription(ctx, middleware.GetUserID(ctx))
	if err != nil {
		WriteError(w, err)
		return
	}

	if !res.Success {
		writeOutcome(w, res.Code, res.Reason)
		return
	}

	core.OK(w, res)
}

func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()

	res, err := h.service.ReactivateSubscription(ctx, middleware.GetUserID(ctx))
	if err != nil {
		WriteError(w, err)
		return
	}

	if !res.Success {
		writeOutcome(w, res.Code, res.Reason)
		return
	}

	core.OK(w, res)
}

func (h *Handler) AdminGetEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()

	st, err := h.service.ComputeStatus(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		WriteError(w, err)
		return
	}

	d := decide(st, h.service.FreeLimit())
	core.OK(w, StatusResponse{Status: st, CanGenerate: d.CanGenerate})
}

func (h *Handler) AdminInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.InvalidateUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
		core.JSONError(w, core.RetryableError("cache unavailable", err))
		return
	}

	core.NoContent(w)
}

func (h *Handler) AdminRebuildUsage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()

	userID := chi.URLParam(r, "userID")
	n, err := h.service.RebuildUsage(ctx, userID)
	if err != nil {
		WriteError(w, err)
		return
	}

	core.OK(w, RebuildUsageResponse{UserID: userID, Count: n})
}

func writeOutcome(w http.ResponseWriter, code Code, reason string) {
	switch code {
	case CodeNoActiveSubscription:
		core.Error(w, http.StatusNotFound, core.CodeNotFound, reason)
	case CodeNotPendingCancellation:
		core.Error(w, http.StatusConflict, core.CodeConflict, reason)
	default:
		core.BadRequest(w, reason)
	}
}

// WriteError renders an infrastructure failure by its retry classification.
func WriteError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		core.JSONError(w, core.RetryableError(
			"the request took too long, please try again", err))
		return
	}

	switch retry.Classify(err) {
	case retry.KindNetwork, retry.KindServer:
		core.JSONError(w, core.RetryableError(
			"service temporarily unavailable, please try again", err))
	case retry.KindAuthentication:
		core.JSONError(w, core.UnauthorizedError("please sign in again"))
	case retry.KindAuthorization:
		core.JSONError(w, core.ForbiddenError("insufficient permissions"))
	case retry.KindValidation:
		core.ValidationFailed(w, "the request could not be processed")
	case retry.KindPayment:
		core.JSONError(w, core.PaymentError(
			"the payment provider declined the change, check your card details", err))
	case retry.KindQuotaExceeded:
		core.JSONError(w, core.QuotaExceededError("usage quota exceeded"))
	default:
		core.InternalServerError(w, err)
	}
}
