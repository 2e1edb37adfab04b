// Package cancel предоставляет HTTP-обработчик отмены подписки.
package cancel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/auth"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/response"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// Canceller отменяет подписку и публикует подписанную отмену.
type Canceller interface {
	Self() identity.PublicKey
	Cancel(ctx context.Context, subscriptionID string, effective int64, reason string) (*models.Cancellation, error)
}

// Request — тело запроса. Без EffectiveDate подписка завершается сейчас.
type Request struct {
	EffectiveDate int64  `json:"effective_date,omitempty" validate:"gte=0"`
	Reason        string `json:"reason,omitempty" validate:"max=512"`
}

// New возвращает обработчик POST /api/v1/subscriptions/{id}/cancel.
func New(log *slog.Logger, canceller Canceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.cancel.New"

		id := chi.URLParam(r, "id")
		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("subscription_id", id),
		)

		if !auth.CanAccess(r.Context(), canceller.Self()) {
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, response.Error("only the node owner can cancel subscriptions"))
			return
		}

		var req Request
		if err := render.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
			log.Error("failed to decode request body", sl.Err(err))
			response.BadRequest(w, r, "failed to decode request")
			return
		}
		if err := validator.New().Struct(req); err != nil {
			log.Warn("invalid request", sl.Err(err))
			response.BadRequest(w, r, "invalid request")
			return
		}
		if req.EffectiveDate == 0 {
			req.EffectiveDate = time.Now().Unix()
		}

		c, err := canceller.Cancel(r.Context(), id, req.EffectiveDate, req.Reason)
		if err != nil && c == nil {
			log.Warn("failed to cancel subscription", sl.Err(err))
			response.Fail(w, r, err, "failed to cancel subscription")
			return
		}
		if err != nil {
			log.Warn("cancellation saved but not published", sl.Err(err))
		}

		log.Info("subscription cancelled")
		render.JSON(w, r, response.StatusOKWithData(c))
	}
}
