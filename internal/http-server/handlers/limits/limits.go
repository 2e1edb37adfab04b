// Package limits предоставляет HTTP-обработчики лимитов расходов по контрагентам.
package limits

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/auth"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/response"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// Store хранит лимиты расходов.
type Store interface {
	SavePeerSpendingLimit(ctx context.Context, limit models.PeerSpendingLimit) error
	GetPeerSpendingLimit(ctx context.Context, peer identity.PublicKey) (*models.PeerSpendingLimit, error)
}

// Request — тело запроса PUT.
type Request struct {
	TotalAmountLimit amount.Amount `json:"total_amount_limit"`
	Period           string        `json:"period" validate:"required,oneof=daily weekly monthly"`
}

// Result — лимит вместе с остатком.
type Result struct {
	*models.PeerSpendingLimit
	Remaining amount.Amount `json:"remaining"`
}

func peerParam(r *http.Request) (identity.PublicKey, error) {
	return identity.ParsePublicKey(chi.URLParam(r, "peer"))
}

// Set возвращает обработчик PUT /api/v1/limits/{peer}. Изменение
// существующего лимита сохраняет расходы и начало текущего периода.
func Set(log *slog.Logger, self identity.PublicKey, store Store, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.limits.Set"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		if !auth.CanAccess(r.Context(), self) {
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, response.Error("only the node owner can set limits"))
			return
		}
		peer, err := peerParam(r)
		if err != nil {
			log.Warn("invalid peer", sl.Err(err))
			response.Fail(w, r, err, "invalid peer")
			return
		}

		var req Request
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			log.Error("failed to decode request body", sl.Err(err))
			response.BadRequest(w, r, "failed to decode request")
			return
		}
		if err := validator.New().Struct(req); err != nil {
			log.Warn("invalid request", sl.Err(err))
			if validateErr, ok := err.(validator.ValidationErrors); ok {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, response.ValidationError(validateErr))
				return
			}
			response.BadRequest(w, r, "invalid request")
			return
		}
		if !req.TotalAmountLimit.IsPositive() {
			response.Fail(w, r, errs.InvalidArgument("total amount limit must be positive"), "")
			return
		}

		limit := models.NewPeerSpendingLimit(peer, req.TotalAmountLimit, models.Period(req.Period), now())
		current, err := store.GetPeerSpendingLimit(r.Context(), peer)
		switch {
		case err == nil:
			limit.CurrentSpent = current.CurrentSpent
			limit.LastReset = current.LastReset
		case !errors.Is(err, errs.ErrNotFound):
			log.Error("failed to get spending limit", sl.Err(err))
			response.Fail(w, r, err, "failed to save spending limit")
			return
		}
		if err := store.SavePeerSpendingLimit(r.Context(), limit); err != nil {
			log.Error("failed to save spending limit", sl.Err(err))
			response.Fail(w, r, err, "failed to save spending limit")
			return
		}
		log.Info("spending limit saved", slog.String("peer", peer.String()), slog.String("limit", limit.TotalAmountLimit.String()))
		render.JSON(w, r, response.StatusOKWithData(Result{PeerSpendingLimit: &limit, Remaining: limit.RemainingLimit()}))
	}
}

// Get возвращает обработчик GET /api/v1/limits/{peer}.
func Get(log *slog.Logger, self identity.PublicKey, store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.limits.Get"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		peer, err := peerParam(r)
		if err != nil {
			log.Warn("invalid peer", sl.Err(err))
			response.Fail(w, r, err, "invalid peer")
			return
		}
		if !auth.CanAccess(r.Context(), self, peer) {
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, response.Error("access denied"))
			return
		}

		limit, err := store.GetPeerSpendingLimit(r.Context(), peer)
		if err != nil {
			log.Warn("failed to get spending limit", sl.Err(err))
			response.Fail(w, r, err, "failed to get spending limit")
			return
		}
		render.JSON(w, r, response.StatusOKWithData(Result{PeerSpendingLimit: limit, Remaining: limit.RemainingLimit()}))
	}
}
