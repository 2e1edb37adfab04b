package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/auth"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/accept"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/active"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/autopay"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/cancel"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/health"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/history"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/inbox"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/limits"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/modify"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/propose"
	prorationhandler "github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/proration"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/read"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/mware"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/proration"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/metrics"
	subservice "github.com/magabrotheeeer/paykit-subscriptions/internal/services/subscription"
)

// Deps — зависимости маршрутов.
type Deps struct {
	Manager    *subservice.Manager
	Limits     limits.Store
	Calculator *proration.Calculator
	Tokens     auth.TokenParser
	Limiter    *mware.RateLimiter
	Metrics    *metrics.Metrics
	Checks     map[string]health.Checker
	Now        func() time.Time
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}
	self := d.Manager.Self()

	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		mware.Logger(logger),
		middleware.Recoverer,
		d.Metrics.Middleware(routePattern),
	)

	r.Get("/health", health.New(logger, d.Checks))
	r.Handle("/metrics", d.Metrics.Handler())

	// Группа с JWT аутентификацией
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.JWTMiddleware(d.Tokens, logger))
		r.Use(d.Limiter.Middleware)

		r.Post("/subscriptions", propose.New(logger, d.Manager))
		r.Get("/subscriptions/active", active.New(logger, d.Manager))
		r.Get("/subscriptions/{id}", read.New(logger, d.Manager))
		r.Get("/subscriptions/{id}/history", history.New(logger, d.Manager))
		r.Post("/subscriptions/{id}/accept", accept.New(logger, d.Manager))
		r.Post("/subscriptions/{id}/modifications", modify.New(logger, d.Manager))
		r.Post("/subscriptions/{id}/cancel", cancel.New(logger, d.Manager))
		r.Put("/subscriptions/{id}/autopay", autopay.New(logger, d.Manager))

		r.Put("/limits/{peer}", limits.Set(logger, self, d.Limits, d.Now))
		r.Get("/limits/{peer}", limits.Get(logger, self, d.Limits))

		r.Post("/proration", prorationhandler.New(logger, d.Calculator))
		r.Post("/messages", inbox.New(logger, d.Manager))
	})
}

// routePattern возвращает шаблон маршрута chi для меток метрик.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
