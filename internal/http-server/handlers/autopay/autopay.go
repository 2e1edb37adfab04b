// Package autopay предоставляет HTTP-обработчик настройки автоплатежа подписки.
package autopay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/auth"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/response"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// RuleStore читает и сохраняет правила автоплатежа.
type RuleStore interface {
	Self() identity.PublicKey
	GetOrCreateAutoPayRule(ctx context.Context, subscriptionID string) (*models.AutoPayRule, error)
	SaveAutoPayRule(ctx context.Context, rule models.AutoPayRule) error
}

// Request — изменяемые поля правила. Отсутствующие поля не меняются.
type Request struct {
	Enabled                 *bool          `json:"enabled,omitempty"`
	MethodID                *string        `json:"method_id,omitempty" validate:"omitempty,min=1"`
	MaxAmountPerPayment     *amount.Amount `json:"max_amount_per_payment,omitempty"`
	MaxTotalAmountPerPeriod *amount.Amount `json:"max_total_amount_per_period,omitempty"`
	Period                  *string        `json:"period,omitempty" validate:"omitempty,oneof=daily weekly monthly"`
	RequireConfirmation     *bool          `json:"require_confirmation,omitempty"`
	NotifyBefore            *uint64        `json:"notify_before,omitempty"`
}

// Apply переносит заданные поля в правило.
func (req Request) Apply(rule models.AutoPayRule) models.AutoPayRule {
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.MethodID != nil {
		rule.MethodID = *req.MethodID
	}
	if req.MaxAmountPerPayment != nil {
		rule = rule.WithMaxPaymentAmount(*req.MaxAmountPerPayment)
	}
	if req.MaxTotalAmountPerPeriod != nil {
		period := rule.Period
		if req.Period != nil {
			period = models.Period(*req.Period)
		}
		rule = rule.WithMaxPeriodAmount(*req.MaxTotalAmountPerPeriod, period)
	} else if req.Period != nil {
		rule.Period = models.Period(*req.Period)
	}
	if req.RequireConfirmation != nil {
		rule = rule.WithConfirmation(*req.RequireConfirmation)
	}
	if req.NotifyBefore != nil {
		rule = rule.WithNotification(*req.NotifyBefore)
	}
	return rule
}

// New возвращает обработчик PUT /api/v1/subscriptions/{id}/autopay.
func New(log *slog.Logger, store RuleStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.autopay.New"

		id := chi.URLParam(r, "id")
		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("subscription_id", id),
		)

		if !auth.CanAccess(r.Context(), store.Self()) {
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, response.Error("only the node owner can configure auto-pay"))
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

		rule, err := store.GetOrCreateAutoPayRule(r.Context(), id)
		if err != nil {
			log.Error("failed to load auto-pay rule", sl.Err(err))
			response.Fail(w, r, err, "failed to load auto-pay rule")
			return
		}
		updated := req.Apply(*rule)
		if err := updated.Validate(); err != nil {
			log.Warn("invalid auto-pay rule", sl.Err(err))
			response.Fail(w, r, err, "invalid auto-pay rule")
			return
		}
		if err := store.SaveAutoPayRule(r.Context(), updated); err != nil {
			log.Error("failed to save auto-pay rule", sl.Err(err))
			response.Fail(w, r, err, "failed to save auto-pay rule")
			return
		}

		log.Info("auto-pay rule saved", slog.Bool("enabled", updated.Enabled))
		render.JSON(w, r, response.StatusOKWithData(updated))
	}
}
