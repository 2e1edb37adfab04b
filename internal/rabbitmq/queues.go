package rabbitmq

// DefaultExchange — обменник биллинга по умолчанию.
const DefaultExchange = "billing"

// Ключи маршрутизации сообщений биллинга.
const (
	KeyPaymentDue      = "payment.due"
	KeyPaymentUpcoming = "payment.upcoming"
	KeyNotification    = "billing.notification"
)

const prefetch = 10

// QueueConfig связывает очередь с ключом маршрутизации.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// BillingQueues возвращает очереди, которые объявляют все сервисы биллинга.
func BillingQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: "billing.payment_due", RoutingKey: KeyPaymentDue},
		{QueueName: "billing.payment_upcoming", RoutingKey: KeyPaymentUpcoming},
		{QueueName: "billing.notifications", RoutingKey: KeyNotification},
	}
}

// QueueFor возвращает имя очереди для ключа маршрутизации.
func QueueFor(routingKey string) (string, bool) {
	for _, q := range BillingQueues() {
		if q.RoutingKey == routingKey {
			return q.QueueName, true
		}
	}
	return "", false
}
