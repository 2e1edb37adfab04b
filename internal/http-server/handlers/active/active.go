// Package active предоставляет HTTP-обработчик списка действующих соглашений.
package active

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/auth"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/response"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// Lister возвращает действующие соглашения узла.
type Lister interface {
	Self() identity.PublicKey
	ListActive(ctx context.Context) ([]*models.SignedSubscription, error)
}

// New возвращает обработчик GET /api/v1/subscriptions/active.
// Контрагент получает только соглашения, в которых он сторона.
func New(log *slog.Logger, lister Lister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.active.New"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		all, err := lister.ListActive(r.Context())
		if err != nil {
			log.Error("failed to list active subscriptions", sl.Err(err))
			response.Fail(w, r, err, "failed to list subscriptions")
			return
		}

		visible := make([]*models.SignedSubscription, 0, len(all))
		for _, s := range all {
			if auth.CanAccess(r.Context(), lister.Self(), s.Subscription.Subscriber, s.Subscription.Provider) {
				visible = append(visible, s)
			}
		}
		log.Info("active subscriptions listed", slog.Int("count", len(visible)))
		render.JSON(w, r, response.StatusOKWithData(visible))
	}
}
