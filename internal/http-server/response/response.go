// Package response описывает формат ответов API и соответствие ошибок
// HTTP-статусам.
package response

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/billing"
)

type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

const (
	StatusOK    = "OK"
	StatusError = "Error"
)

func OK() Response {
	return Response{
		Status: StatusOK,
	}
}

func StatusOKWithData(data any) Response {
	return Response{
		Status: StatusOK,
		Data:   data,
	}
}

func Error(msg string) Response {
	return Response{
		Status: StatusError,
		Error:  msg,
	}
}

func ValidationError(errs validator.ValidationErrors) Response {
	var errsMsgs []string

	for _, err := range errs {
		switch err.ActualTag() {
		case "required":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s is a required field", err.Field()))
		case "oneof":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s must be one of: %s", err.Field(), err.Param()))
		case "len":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s must be %s characters long", err.Field(), err.Param()))
		case "min", "gte", "gt":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s is too small", err.Field()))
		case "max", "lte", "lt":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s is too large", err.Field()))
		default:
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s is not a valid", err.Field()))
		}
	}
	return Response{
		Status: StatusError,
		Error:  strings.Join(errsMsgs, ", "),
	}
}

// StatusFor возвращает HTTP-статус для ошибки доменного слоя.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidArgument), errors.Is(err, errs.ErrSerialization):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrCrypto):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrLimitExceeded),
		errors.Is(err, billing.ErrAlreadyBilled),
		errors.Is(err, billing.ErrAutoPayDisabled),
		errors.Is(err, billing.ErrConfirmationRequired),
		errors.Is(err, billing.ErrNotBillable):
		return http.StatusConflict
	case errors.Is(err, errs.ErrOverflow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Fail отвечает ошибкой со статусом по StatusFor. Для внутренних ошибок
// вместо текста err отдаётся msg.
func Fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := StatusFor(err)
	render.Status(r, status)
	if status == http.StatusInternalServerError {
		render.JSON(w, r, Error(msg))
		return
	}
	render.JSON(w, r, Error(err.Error()))
}

// BadRequest отвечает 400 с сообщением msg.
func BadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, Error(msg))
}
