package rabbitmq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_RoutesToBillingQueues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := Connect(brokerURL(ctx, t), 3, time.Second)
	require.NoError(t, err)
	defer func() {
		if err := conn.Close(); err != nil {
			t.Errorf("failed to close connection: %v", err)
		}
	}()

	ch, err := SetupChannel(conn, DefaultExchange, BillingQueues())
	require.NoError(t, err)
	defer func() {
		if err := ch.Close(); err != nil {
			t.Errorf("failed to close channel: %v", err)
		}
	}()

	type dueMsg struct {
		SubscriptionID string `json:"subscription_id"`
		PeriodStart    int64  `json:"period_start"`
	}

	pub := NewPublisher(ch, DefaultExchange)
	require.NoError(t, pub.Publish(ctx, KeyPaymentDue, dueMsg{SubscriptionID: "sub_1", PeriodStart: 100}))

	queue, ok := QueueFor(KeyPaymentDue)
	require.True(t, ok)

	var msg dueMsg
	require.Eventually(t, func() bool {
		d, ok, err := ch.Get(queue, true)
		if err != nil || !ok {
			return false
		}
		assert.Equal(t, "application/json", d.ContentType)
		return json.Unmarshal(d.Body, &msg) == nil
	}, 10*time.Second, 100*time.Millisecond)
	assert.Equal(t, "sub_1", msg.SubscriptionID)
	assert.Equal(t, int64(100), msg.PeriodStart)
}

func TestPublisher_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewPublisher(nil, DefaultExchange).Publish(ctx, KeyPaymentDue, struct{}{})
	assert.ErrorIs(t, err, context.Canceled)
}
