// Package history предоставляет HTTP-обработчик истории подписки:
// всех версий и журнала изменений.
package history

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

type HistoryReader interface {
	Self() identity.PublicKey
	Versions(ctx context.Context, id string) ([]*models.Subscription, error)
	History(ctx context.Context, id string) (*models.ModificationHistory, error)
}

type Result struct {
	Versions []*models.Subscription      `json:"versions"`
	History  *models.ModificationHistory `json:"history"`
}

// New возвращает обработчик GET /api/v1/subscriptions/{id}/history.
func New(log *slog.Logger, reader HistoryReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.history.New"

		id := chi.URLParam(r, "id")
		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("subscription_id", id),
		)

		versions, err := reader.Versions(r.Context(), id)
		if err != nil {
			log.Error("failed to list versions", sl.Err(err))
			response.Fail(w, r, err, "failed to read history")
			return
		}
		if len(versions) == 0 {
			response.Fail(w, r, errs.NotFound("subscription", id), "")
			return
		}
		latest := versions[len(versions)-1]
		if !auth.CanAccess(r.Context(), reader.Self(), latest.Subscriber, latest.Provider) {
			log.Warn("peer is not a party of subscription")
			response.Fail(w, r, errs.NotFound("subscription", id), "")
			return
		}

		h, err := reader.History(r.Context(), id)
		if err != nil {
			log.Error("failed to read modification history", sl.Err(err))
			response.Fail(w, r, err, "failed to read history")
			return
		}
		render.JSON(w, r, response.StatusOKWithData(Result{Versions: versions, History: h}))
	}
}
