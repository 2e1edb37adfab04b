package subscription

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// MessageType — тип сообщения в канале между участниками.
type MessageType string

// Типы сообщений.
const (
	MsgProposal     MessageType = "subscription_proposal"
	MsgAcceptance   MessageType = "subscription_acceptance"
	MsgCancellation MessageType = "subscription_cancellation"
)

// Channel — установленный аутентифицированный канал с контрагентом.
type Channel interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Envelope — сообщение канала с типом и полезной нагрузкой.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode упаковывает документ в конверт.
func Encode(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("subscription.Encode: %w", errs.ErrSerialization)
	}
	data, err := json.Marshal(Envelope{Type: t, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("subscription.Encode: %w", errs.ErrSerialization)
	}
	return data, nil
}

// SendProposal отправляет предложение в канал.
func SendProposal(ctx context.Context, ch Channel, p *models.Proposal) error {
	return send(ctx, ch, MsgProposal, p)
}

// SendAcceptance отправляет подписанное соглашение в канал.
func SendAcceptance(ctx context.Context, ch Channel, signed *models.SignedSubscription) error {
	return send(ctx, ch, MsgAcceptance, signed)
}

// SendCancellation отправляет отмену в канал.
func SendCancellation(ctx context.Context, ch Channel, c *models.Cancellation) error {
	return send(ctx, ch, MsgCancellation, c)
}

func send(ctx context.Context, ch Channel, t MessageType, payload any) error {
	const op = "subscription.Send"

	data, err := Encode(t, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := ch.Send(ctx, data); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// HandleMessage разбирает конверт и передаёт документ соответствующему обработчику.
func (m *Manager) HandleMessage(ctx context.Context, data []byte) (MessageType, error) {
	const op = "subscription.HandleMessage"

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%s: %w", op, errs.ErrSerialization)
	}

	var err error
	switch env.Type {
	case MsgProposal:
		var p models.Proposal
		if err = decode(env.Payload, &p); err == nil {
			err = m.HandleProposal(ctx, &p)
		}
	case MsgAcceptance:
		var signed models.SignedSubscription
		if err = decode(env.Payload, &signed); err == nil {
			err = m.HandleAcceptance(ctx, &signed)
		}
	case MsgCancellation:
		var c models.Cancellation
		if err = decode(env.Payload, &c); err == nil {
			err = m.HandleCancellation(ctx, &c)
		}
	default:
		err = errs.InvalidArgument("unknown message type %q", env.Type)
	}
	if err != nil {
		return env.Type, fmt.Errorf("%s: %w", op, err)
	}
	return env.Type, nil
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.ErrSerialization
	}
	return nil
}

// Receive читает одно сообщение из канала и обрабатывает его.
func (m *Manager) Receive(ctx context.Context, ch Channel) (MessageType, error) {
	const op = "subscription.Receive"

	data, err := ch.Recv(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	t, err := m.HandleMessage(ctx, data)
	if err != nil {
		return t, fmt.Errorf("%s: %w", op, err)
	}
	return t, nil
}
