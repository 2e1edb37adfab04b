// Package modify предоставляет HTTP-обработчик изменения условий подписки.
package modify

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
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// Modifier строит и применяет запрос на изменение.
type Modifier interface {
	Self() identity.PublicKey
	NewRequest(ctx context.Context, id string, typ models.ModificationType) (models.ModificationRequest, error)
	Modify(ctx context.Context, req models.ModificationRequest) (*models.ModificationRecord, *models.Proposal, error)
}

// Request — тело запроса. Отмена выполняется отдельным обработчиком.
type Request struct {
	Type models.ModificationType `json:"type"`
	Kind string                  `json:"-" validate:"required,oneof=upgrade downgrade change_method change_billing_date change_frequency pause resume"`
	Note string                  `json:"note,omitempty" validate:"max=512"`
}

// Result — запись журнала и предложение новой версии контрагенту.
type Result struct {
	Record   *models.ModificationRecord `json:"record"`
	Proposal *models.Proposal           `json:"proposal,omitempty"`
}

// New возвращает обработчик POST /api/v1/subscriptions/{id}/modifications.
// Изменять подписку может только сам узел.
func New(log *slog.Logger, modifier Modifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.modify.New"

		id := chi.URLParam(r, "id")
		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("subscription_id", id),
		)

		if !auth.CanAccess(r.Context(), modifier.Self()) {
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, response.Error("only the node owner can modify subscriptions"))
			return
		}

		var req Request
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			log.Error("failed to decode request body", sl.Err(err))
			response.BadRequest(w, r, "failed to decode request")
			return
		}
		req.Kind = string(req.Type.Kind)
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

		modReq, err := modifier.NewRequest(r.Context(), id, req.Type)
		if err != nil {
			log.Error("failed to build modification request", sl.Err(err))
			response.Fail(w, r, err, "failed to modify subscription")
			return
		}
		modReq = modReq.WithNote(req.Note)

		rec, proposal, err := modifier.Modify(r.Context(), modReq)
		if err != nil && (rec == nil || !rec.Success) {
			log.Warn("modification rejected", sl.Err(err))
			response.Fail(w, r, err, "failed to modify subscription")
			return
		}
		if err != nil {
			log.Warn("modification saved but not published", sl.Err(err))
		}

		log.Info("subscription modified", slog.String("kind", req.Kind))
		render.JSON(w, r, response.StatusOKWithData(Result{Record: rec, Proposal: proposal}))
	}
}
