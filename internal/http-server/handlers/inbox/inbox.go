// Package inbox предоставляет HTTP-обработчик сообщений контрагентов:
// предложений, принятий и отмен.
package inbox

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/response"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/subscription"
)

const maxMessageSize = 1 << 20

// Handler разбирает конверт сообщения и применяет его.
type Handler interface {
	HandleMessage(ctx context.Context, data []byte) (subscription.MessageType, error)
}

// New возвращает обработчик POST /api/v1/messages. Подписи внутри
// сообщения проверяются независимо от токена отправителя.
func New(log *slog.Logger, handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.inbox.New"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
		if err != nil {
			log.Error("failed to read request body", sl.Err(err))
			response.BadRequest(w, r, "failed to read request")
			return
		}

		typ, err := handler.HandleMessage(r.Context(), data)
		if err != nil {
			log.Warn("message rejected", slog.String("type", string(typ)), sl.Err(err))
			response.Fail(w, r, err, "failed to handle message")
			return
		}
		log.Info("message accepted", slog.String("type", string(typ)))
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, response.StatusOKWithData(map[string]string{"type": string(typ)}))
	}
}
