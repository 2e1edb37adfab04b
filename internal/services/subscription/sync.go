package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/discovery"
)

// Discoverer читает документы, адресованные участнику.
type Discoverer interface {
	DiscoverProposals(ctx context.Context) ([]*models.Proposal, error)
	DiscoverAgreements(ctx context.Context) ([]*models.SignedSubscription, error)
	DiscoverCancellations(ctx context.Context) ([]*models.Cancellation, error)
	Acknowledge(ctx context.Context, kind discovery.Kind, id string) error
}

// Sync забирает новые документы из обнаружения и применяет их.
// Обработанные и отвергнутые документы удаляются из каталога, документы
// с временной ошибкой остаются до следующего прохода.
func (m *Manager) Sync(ctx context.Context, d Discoverer) (int, error) {
	const op = "subscription.Sync"

	var (
		handled int
		failed  []error
	)
	apply := func(kind discovery.Kind, id string, err error) {
		log := m.log.With(slog.String("kind", string(kind)), slog.String("subscription_id", id))
		switch {
		case err == nil:
			handled++
		case rejected(err):
			log.Warn("discovered document rejected", sl.Err(err))
		default:
			log.Error("failed to apply discovered document", sl.Err(err))
			failed = append(failed, err)
			return
		}
		if err := d.Acknowledge(ctx, kind, id); err != nil {
			log.Error("failed to acknowledge document", sl.Err(err))
			failed = append(failed, err)
		}
	}

	proposals, err := d.DiscoverProposals(ctx)
	if err != nil {
		failed = append(failed, err)
	}
	for _, p := range proposals {
		apply(discovery.KindProposal, documentID(p.Subscription), m.HandleProposal(ctx, p))
	}

	agreements, err := d.DiscoverAgreements(ctx)
	if err != nil {
		failed = append(failed, err)
	}
	for _, a := range agreements {
		apply(discovery.KindAgreement, documentID(a.Subscription), m.HandleAcceptance(ctx, a))
	}

	cancellations, err := d.DiscoverCancellations(ctx)
	if err != nil {
		failed = append(failed, err)
	}
	for _, c := range cancellations {
		apply(discovery.KindCancellation, documentID(c.Subscription), m.HandleCancellation(ctx, c))
	}

	if len(failed) > 0 {
		return handled, fmt.Errorf("%s: %w", op, errors.Join(failed...))
	}
	return handled, nil
}

func documentID(sub *models.Subscription) string {
	if sub == nil {
		return ""
	}
	return sub.SubscriptionID
}

// rejected сообщает, что документ не станет валидным при повторе.
func rejected(err error) bool {
	return errors.Is(err, errs.ErrInvalidArgument) ||
		errors.Is(err, errs.ErrCrypto) ||
		errors.Is(err, errs.ErrSerialization) ||
		errors.Is(err, errs.ErrNotFound)
}
