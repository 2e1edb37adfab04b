// Package accept предоставляет HTTP-обработчик для принятия предложения контрагента.
package accept

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/response"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// Accepter подписывает ожидающее предложение.
type Accepter interface {
	Accept(ctx context.Context, subscriptionID string) (*models.SignedSubscription, error)
}

// New возвращает обработчик POST /api/v1/subscriptions/{id}/accept.
func New(log *slog.Logger, accepter Accepter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.accept.New"

		id := chi.URLParam(r, "id")
		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("subscription_id", id),
		)
		if id == "" {
			response.BadRequest(w, r, "subscription id is required")
			return
		}

		signed, err := accepter.Accept(r.Context(), id)
		if err != nil && signed == nil {
			log.Error("failed to accept subscription", sl.Err(err))
			response.Fail(w, r, err, "failed to accept subscription")
			return
		}
		if err != nil {
			log.Warn("agreement saved but not published", sl.Err(err))
		}

		log.Info("subscription accepted")
		render.JSON(w, r, response.StatusOKWithData(signed))
	}
}
