// Package sender собирает рассыльщика почтовых уведомлений биллинга.
package sender

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/app/bootstrap"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/config"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/smtp"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/rabbitmq"
	senderservice "github.com/magabrotheeeer/paykit-subscriptions/internal/services/sender"
)

type App struct {
	conn          *amqp.Connection
	ch            *amqp.Channel
	senderService *senderservice.SenderService
	logger        *slog.Logger
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.sender.New"

	conn, ch, err := bootstrap.Rabbit(cfg.RabbitMQ, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(cfg.SMTP.Recipients) == 0 {
		logger.Warn("smtp.recipients is empty, notifications will be discarded")
	}

	transport := smtp.NewTransport(cfg.SMTP, logger)
	return &App{
		conn:          conn,
		ch:            ch,
		senderService: senderservice.NewSenderService(transport, cfg.SMTP.Recipients, logger),
		logger:        logger,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	consumers := []struct {
		routingKey string
		handler    func([]byte) error
	}{
		{rabbitmq.KeyPaymentUpcoming, a.senderService.SendUpcomingPayment},
		{rabbitmq.KeyNotification, a.senderService.SendFallbackNotification},
	}
	for _, c := range consumers {
		queue, _ := rabbitmq.QueueFor(c.routingKey)
		if err := rabbitmq.ConsumerMessage(ctx, a.ch, queue, a.logger, c.handler); err != nil {
			a.logger.Error("failed to start consumer", slog.String("queue", queue), sl.Err(err))
			bootstrap.CloseRabbit(a.ch, a.conn, a.logger)
			return err
		}
	}

	<-ctx.Done()
	a.logger.Info("sender service shutting down gracefully")
	bootstrap.CloseRabbit(a.ch, a.conn, a.logger)
	return nil
}
