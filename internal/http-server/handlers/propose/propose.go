// Package propose предоставляет HTTP-обработчик для предложения новой подписки контрагенту.
package propose

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/response"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// Proposer подписывает и отправляет предложение.
type Proposer interface {
	Self() identity.PublicKey
	Propose(ctx context.Context, sub *models.Subscription) (*models.Proposal, error)
}

// Request — тело запроса. Role — роль этого узла в подписке.
type Request struct {
	Role               string                  `json:"role" validate:"required,oneof=provider subscriber"`
	Counterparty       string                  `json:"counterparty" validate:"required,len=52"`
	Amount             amount.Amount           `json:"amount"`
	Currency           string                  `json:"currency" validate:"required,max=16"`
	Frequency          models.PaymentFrequency `json:"frequency"`
	Method             string                  `json:"method" validate:"required"`
	Description        string                  `json:"description" validate:"required"`
	MaxAmountPerPeriod *amount.Amount          `json:"max_amount_per_period,omitempty"`
	StartsAt           int64                   `json:"starts_at,omitempty" validate:"gte=0"`
	EndsAt             *int64                  `json:"ends_at,omitempty"`
	Metadata           map[string]string       `json:"metadata,omitempty"`
}

// Subscription строит первую версию подписки между self и контрагентом.
func (req Request) Subscription(self identity.PublicKey) (*models.Subscription, error) {
	counterparty, err := identity.ParsePublicKey(req.Counterparty)
	if err != nil {
		return nil, err
	}
	terms := models.NewSubscriptionTerms(req.Amount, req.Currency, req.Frequency, req.Method, req.Description)
	if req.MaxAmountPerPeriod != nil {
		terms = terms.WithMaxAmount(*req.MaxAmountPerPeriod)
	}

	subscriber, provider := counterparty, self
	if req.Role == "subscriber" {
		subscriber, provider = self, counterparty
	}
	sub := models.NewSubscription(subscriber, provider, terms)
	if req.StartsAt > 0 {
		sub = sub.WithStartsAt(req.StartsAt)
	}
	if req.EndsAt != nil {
		sub = sub.WithEndsAt(*req.EndsAt)
	}
	for k, v := range req.Metadata {
		sub = sub.WithMetadata(k, v)
	}
	return sub, nil
}

// New возвращает обработчик POST /api/v1/subscriptions.
//
// Предложение подписывается ключом узла, сохраняется как ожидающее и
// публикуется для контрагента. Ответ содержит предложение с подписью.
func New(log *slog.Logger, proposer Proposer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.propose.New"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		var req Request
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			log.Error("failed to decode request body", sl.Err(err))
			response.BadRequest(w, r, "failed to decode request")
			return
		}

		if err := validator.New().Struct(req); err != nil {
			var validateErr validator.ValidationErrors
			if errors.As(err, &validateErr) {
				log.Warn("invalid request", sl.Err(err))
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, response.ValidationError(validateErr))
				return
			}
			response.BadRequest(w, r, "invalid request")
			return
		}

		sub, err := req.Subscription(proposer.Self())
		if err != nil {
			log.Warn("invalid counterparty", sl.Err(err))
			response.Fail(w, r, err, "invalid counterparty")
			return
		}

		proposal, err := proposer.Propose(r.Context(), sub)
		if err != nil && proposal == nil {
			log.Error("failed to propose subscription", sl.Err(err))
			response.Fail(w, r, err, "failed to propose subscription")
			return
		}
		if err != nil {
			log.Warn("proposal saved but not published", sl.Err(err))
		}

		log.Info("subscription proposed", slog.String("subscription_id", sub.SubscriptionID))
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, response.StatusOKWithData(proposal))
	}
}
