// Package proration предоставляет HTTP-обработчик расчёта перерасчёта
// при смене суммы посреди периода.
package proration

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/response"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// Calculator считает перерасчёт.
type Calculator interface {
	Calculate(oldAmount, newAmount amount.Amount, periodStart, periodEnd, changeTime int64, currency string) (models.ProratedAmount, error)
	ShouldProrate(p models.ProratedAmount) bool
}

// Request — тело запроса.
type Request struct {
	OldAmount   amount.Amount `json:"old_amount"`
	NewAmount   amount.Amount `json:"new_amount"`
	PeriodStart int64         `json:"period_start" validate:"gte=0"`
	PeriodEnd   int64         `json:"period_end" validate:"gtfield=PeriodStart"`
	ChangeTime  int64         `json:"change_time" validate:"gte=0"`
	Currency    string        `json:"currency" validate:"required"`
}

// Result — перерасчёт и признак того, что он превышает порог.
type Result struct {
	Proration     models.ProratedAmount `json:"proration"`
	ShouldProrate bool                  `json:"should_prorate"`
}

// New возвращает обработчик POST /api/v1/proration.
func New(log *slog.Logger, calc Calculator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.proration.New"

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
			log.Warn("invalid request", sl.Err(err))
			if validateErr, ok := err.(validator.ValidationErrors); ok {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, response.ValidationError(validateErr))
				return
			}
			response.BadRequest(w, r, "invalid request")
			return
		}

		p, err := calc.Calculate(req.OldAmount, req.NewAmount, req.PeriodStart, req.PeriodEnd, req.ChangeTime, req.Currency)
		if err != nil {
			log.Warn("failed to calculate proration", sl.Err(err))
			response.Fail(w, r, err, "failed to calculate proration")
			return
		}
		render.JSON(w, r, response.StatusOKWithData(Result{Proration: p, ShouldProrate: calc.ShouldProrate(p)}))
	}
}
