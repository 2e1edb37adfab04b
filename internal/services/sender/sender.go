// Package sender рассылает оператору узла письма о событиях биллинга:
// предстоящих автоплатежах и переходах на резервные методы оплаты.
package sender

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/smtp"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// Transport открывает сессию с почтовым сервером.
type Transport interface {
	Connect() (smtp.Client, error)
	From() string
}

// SenderService превращает сообщения очередей в письма.
type SenderService struct {
	transport  Transport
	recipients []string
	log        *slog.Logger
}

// NewSenderService создает новый экземпляр SenderService.
func NewSenderService(transport Transport, recipients []string, log *slog.Logger) *SenderService {
	return &SenderService{
		transport:  transport,
		recipients: recipients,
		log:        log,
	}
}

// SendUpcomingPayment уведомляет о списании, которое скоро выполнит автоплатёж.
// Нечитаемое сообщение подтверждается без отправки.
func (s *SenderService) SendUpcomingPayment(body []byte) error {
	var msg models.UpcomingPayment
	if err := json.Unmarshal(body, &msg); err != nil {
		s.log.Error("failed to unmarshal upcoming payment, dropping", sl.Err(err))
		return nil
	}

	subject := "Предстоящий автоплатёж по подписке " + msg.SubscriptionID
	text := fmt.Sprintf("Подписка %s: %s %s будет списано у %s %s.",
		msg.SubscriptionID,
		msg.Amount, msg.Currency,
		msg.Subscriber,
		time.Unix(msg.DueDate, 0).UTC().Format(time.RFC3339),
	)
	return s.sendEmail(subject, text)
}

// SendFallbackNotification уведомляет о ходе оплаты с резервными методами.
func (s *SenderService) SendFallbackNotification(body []byte) error {
	var msg models.FallbackNotification
	if err := json.Unmarshal(body, &msg); err != nil {
		s.log.Error("failed to unmarshal fallback notification, dropping", sl.Err(err))
		return nil
	}

	subject, text, err := describe(msg)
	if err != nil {
		s.log.Warn("unknown notification kind, dropping", slog.String("kind", string(msg.Kind)))
		return nil
	}
	return s.sendEmail(subject, text)
}

var errUnknownKind = errors.New("unknown notification kind")

func describe(n models.FallbackNotification) (subject, text string, err error) {
	switch n.Kind {
	case models.NotifyFallbackActivated:
		return "Переход на резервный метод оплаты",
			fmt.Sprintf("Подписка %s: метод %s не сработал (%s), пробуем %s.", n.SubscriptionID, n.FailedMethod, n.Error, n.NextMethod), nil
	case models.NotifyFallbackSucceeded:
		return "Оплата резервным методом прошла",
			fmt.Sprintf("Подписка %s оплачена методом %s.", n.SubscriptionID, n.Method), nil
	case models.NotifyFallbackExhausted:
		return "Оплата не удалась",
			fmt.Sprintf("Подписка %s: все методы исчерпаны (%s).", n.SubscriptionID, strings.Join(n.MethodsTried, ", ")), nil
	case models.NotifyGracePeriodStarted:
		return "Начат льготный период",
			fmt.Sprintf("Подписка %s: оплату нужно провести до %s.", n.SubscriptionID, time.Unix(n.GraceUntil, 0).UTC().Format(time.RFC3339)), nil
	default:
		return "", "", errUnknownKind
	}
}

func (s *SenderService) sendEmail(subject, bodyText string) error {
	const op = "sender.sendEmail"

	if len(s.recipients) == 0 {
		s.log.Debug("no recipients configured, skipping email", slog.String("subject", subject))
		return nil
	}
	from := s.transport.From()
	msg := strings.Join([]string{
		"From: " + from,
		"To: " + strings.Join(s.recipients, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
		"",
		bodyText,
	}, "\r\n")

	client, err := s.transport.Connect()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer client.Close()

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("%s: mail from %s: %w", op, from, err)
	}
	for _, addr := range s.recipients {
		if err := client.Rcpt(addr); err != nil {
			return fmt.Errorf("%s: rcpt to %s: %w", op, addr, err)
		}
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("%s: data: %w", op, err)
	}
	if _, err := wc.Write([]byte(msg)); err != nil {
		return fmt.Errorf("%s: write body: %w", op, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("%s: close body: %w", op, err)
	}
	if err := client.Quit(); err != nil {
		s.log.Warn("failed to quit SMTP session", sl.Err(err))
	}

	s.log.Info("email sent successfully", slog.String("subject", subject), slog.Int("recipients", len(s.recipients)))
	return nil
}
