// Package read предоставляет HTTP-обработчик для чтения подписки и её состояния.
package read

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/auth"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/response"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// Reader читает последнюю версию подписки и её состояние.
type Reader interface {
	Self() identity.PublicKey
	Read(ctx context.Context, id string) (*models.Subscription, error)
	State(ctx context.Context, id string) (models.LifecycleState, error)
}

// Result — тело успешного ответа.
type Result struct {
	Subscription *models.Subscription  `json:"subscription"`
	State        models.LifecycleState `json:"state"`
}

// New возвращает обработчик GET /api/v1/subscriptions/{id}.
// Подписку видят только её стороны и сам узел.
func New(log *slog.Logger, reader Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.read.New"

		id := chi.URLParam(r, "id")
		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("subscription_id", id),
		)

		sub, err := reader.Read(r.Context(), id)
		if err != nil {
			log.Error("failed to read subscription", sl.Err(err))
			response.Fail(w, r, err, "failed to read subscription")
			return
		}
		if !auth.CanAccess(r.Context(), reader.Self(), sub.Subscriber, sub.Provider) {
			log.Warn("peer is not a party of subscription")
			response.Fail(w, r, errs.NotFound("subscription", id), "")
			return
		}

		state, err := reader.State(r.Context(), id)
		if err != nil {
			log.Error("failed to evaluate state", sl.Err(err))
			response.Fail(w, r, err, "failed to read subscription")
			return
		}
		render.JSON(w, r, response.StatusOKWithData(Result{Subscription: sub, State: state}))
	}
}
