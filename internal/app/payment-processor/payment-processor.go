// Package paymentprocessor собирает обработчик очереди payment.due:
// списание через кошелёк с переходом на резервные методы.
package paymentprocessor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/app/bootstrap"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/config"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/health"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/metrics"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/rabbitmq"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/billing"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/fallback"
	paymentservice "github.com/magabrotheeeer/paykit-subscriptions/internal/services/payment-processor"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/wallet"
)

const (
	paymentDueQueue = "billing.payment_due"
	shutdownTimeout = 10 * time.Second
)

// App представляет приложение обработки платежей.
type App struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	storage storage.SubscriptionStorage
	service *paymentservice.PaymentService
	server  *http.Server
	logger  *slog.Logger
}

// New создает новый экземпляр обработчика платежей.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.paymentprocessor.New"

	st, err := bootstrap.Storage(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	conn, ch, err := bootstrap.Rabbit(cfg.RabbitMQ, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("%s: failed to connect RabbitMQ: %w", op, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	pub := rabbitmq.NewPublisher(ch, cfg.Exchange)
	fb := fallback.NewHandler(
		bootstrap.FallbackPolicy(cfg.Fallback),
		fallback.NewPublisherNotifier(pub, rabbitmq.KeyNotification),
		logger,
	)
	biller := billing.NewService(st, wallet.NewClient(cfg.Wallet.URL, cfg.Wallet.Timeout), fb, m, logger)

	checks := map[string]health.Checker{
		"rabbitmq": health.CheckerFunc(func(context.Context) error {
			if conn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}),
	}
	router := chi.NewRouter()
	router.Get("/health", health.New(logger, checks))
	router.Handle("/metrics", m.Handler())

	return &App{
		conn:    conn,
		ch:      ch,
		storage: st,
		service: paymentservice.NewPaymentService(biller, logger),
		server: &http.Server{
			Addr:        cfg.AddressHTTP,
			Handler:     router,
			ReadTimeout: cfg.TimeoutHTTP,
			IdleTimeout: cfg.IdleTimeout,
		},
		logger: logger,
	}, nil
}

// Run потребляет очередь payment.due до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	if err := rabbitmq.ConsumerMessage(ctx, a.ch, paymentDueQueue, a.logger, a.service.Handler(ctx)); err != nil {
		a.logger.Error("failed to start consumer", slog.String("queue", paymentDueQueue), sl.Err(err))
		a.close()
		return err
	}
	a.logger.Info("payment processor started", slog.String("queue", paymentDueQueue))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("payment processor shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := a.server.Shutdown(shutdownCtx)
		a.close()
		return err
	})
	return g.Wait()
}

func (a *App) close() {
	bootstrap.CloseRabbit(a.ch, a.conn, a.logger)
	if err := a.storage.Close(); err != nil {
		a.logger.Error("failed to close storage", sl.Err(err))
	}
}
