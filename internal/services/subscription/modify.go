package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/proration"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// Role возвращает роль участника в подписке как инициатора изменений.
func (m *Manager) Role(sub *models.Subscription) (models.Requester, error) {
	switch m.Self() {
	case sub.Subscriber:
		return models.RequestedBySubscriber, nil
	case sub.Provider:
		return models.RequestedByProvider, nil
	default:
		return "", errs.InvalidArgument("not a party of subscription %q", sub.SubscriptionID)
	}
}

// NewRequest строит запрос на изменение подписки id от имени узла.
func (m *Manager) NewRequest(ctx context.Context, id string, typ models.ModificationType) (models.ModificationRequest, error) {
	const op = "subscription.NewRequest"

	current, err := m.Read(ctx, id)
	if err != nil {
		return models.ModificationRequest{}, fmt.Errorf("%s: %w", op, err)
	}
	role, err := m.Role(current)
	if err != nil {
		return models.ModificationRequest{}, fmt.Errorf("%s: %w", op, err)
	}
	return models.NewModificationRequest(id, role, typ, m.now()), nil
}

// Modify применяет изменение к последней версии подписки.
//
// Новая версия сохраняется и предлагается контрагенту на подпись; прежние
// версии остаются в истории. Запись в журнале создаётся и для отклонённых
// запросов. Для изменений суммы в запись добавляется перерасчёт текущего периода.
func (m *Manager) Modify(ctx context.Context, req models.ModificationRequest) (*models.ModificationRecord, *models.Proposal, error) {
	const op = "subscription.Modify"

	current, err := m.storage.GetSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := m.Role(current); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	rec := models.ModificationRecord{
		Request:         req,
		PreviousVersion: current.Version,
		RecordedAt:      m.now().Unix(),
	}

	next, applyErr := req.Apply(current)
	if applyErr == nil && req.Type.RequiresProration() {
		start, end := proration.CurrentBillingPeriod(current, m.now().Unix())
		prorated, err := m.calculator.CalculateFromModification(current, req, start, end)
		if err != nil {
			applyErr = err
		} else if m.calculator.ShouldProrate(prorated) {
			rec.Proration = &prorated
		}
	}
	if applyErr != nil {
		rec.Error = applyErr.Error()
		if err := m.storage.SaveModificationRecord(ctx, rec); err != nil {
			m.log.Error("failed to record rejected modification", slog.String("request_id", req.RequestID), sl.Err(err))
		}
		return &rec, nil, fmt.Errorf("%s: %w", op, applyErr)
	}

	rec.Success = true
	rec.NewVersion = next.Version
	if err := m.storage.SaveModificationRecord(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	m.log.Info("subscription modified",
		slog.String("subscription_id", req.SubscriptionID),
		slog.String("kind", string(req.Type.Kind)),
		slog.Uint64("version", uint64(next.Version)),
	)

	if req.Type.Kind == models.ModCancel {
		if err := m.storage.SaveSubscription(ctx, next); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
		m.invalidate(ctx, req.SubscriptionID)
		return &rec, nil, nil
	}

	p, err := m.Propose(ctx, next)
	if err != nil {
		return &rec, p, fmt.Errorf("%s: %w", op, err)
	}
	return &rec, p, nil
}

// Cancel завершает подписку с момента effective и публикует подписанную отмену.
func (m *Manager) Cancel(ctx context.Context, subscriptionID string, effective int64, reason string) (*models.Cancellation, error) {
	const op = "subscription.Cancel"

	current, err := m.storage.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	role, err := m.Role(current)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req := models.NewModificationRequest(subscriptionID, role, models.Cancel(effective, reason), m.now())
	if _, _, err := m.Modify(ctx, req); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cancelled, err := m.storage.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sig, err := m.sign(cancelled)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c := &models.Cancellation{Subscription: cancelled, Signature: sig, Reason: reason}
	if m.publisher != nil {
		if err := m.publisher.PublishCancellation(ctx, c); err != nil {
			return c, fmt.Errorf("%s: %w", op, err)
		}
	}
	return c, nil
}

// HandleCancellation применяет отмену, подписанную контрагентом.
func (m *Manager) HandleCancellation(ctx context.Context, c *models.Cancellation) error {
	const op = "subscription.HandleCancellation"

	if c.Subscription == nil {
		return fmt.Errorf("%s: %w", op, errs.InvalidArgument("cancellation has no subscription"))
	}
	sub := c.Subscription
	if !sub.IsCancelled() {
		return fmt.Errorf("%s: %w", op, errs.InvalidArgument("subscription %q version %d is not a cancellation", sub.SubscriptionID, sub.Version))
	}
	if counterparty, ok := sub.Counterparty(m.Self()); !ok || counterparty != c.Canceller() {
		return fmt.Errorf("%s: %w", op, errs.InvalidArgument("cancellation must come from the counterparty"))
	}
	current, err := m.storage.GetSubscription(ctx, sub.SubscriptionID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if sub.Version <= current.Version {
		return fmt.Errorf("%s: %w", op, errs.InvalidArgument("cancellation version %d is not newer than %d", sub.Version, current.Version))
	}
	if current.Subscriber != sub.Subscriber || current.Provider != sub.Provider {
		return fmt.Errorf("%s: %w", op, errs.InvalidArgument("subscription %q parties cannot change", sub.SubscriptionID))
	}
	if err := m.verify(ctx, sub, c.Signature, c.Canceller()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := m.storage.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	by := models.RequestedByProvider
	if c.Canceller() == sub.Subscriber {
		by = models.RequestedBySubscriber
	}
	var end int64
	if sub.EndsAt != nil {
		end = *sub.EndsAt
	}
	req := models.NewModificationRequest(sub.SubscriptionID, by, models.Cancel(end, c.Reason), m.now())
	rec := models.ModificationRecord{
		Request:         req,
		PreviousVersion: current.Version,
		NewVersion:      sub.Version,
		Success:         true,
		RecordedAt:      m.now().Unix(),
	}
	if err := m.storage.SaveModificationRecord(ctx, rec); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	m.invalidate(ctx, sub.SubscriptionID)
	m.log.Info("subscription cancelled by counterparty", slog.String("subscription_id", sub.SubscriptionID))
	return nil
}

// History возвращает журнал изменений подписки.
func (m *Manager) History(ctx context.Context, subscriptionID string) (*models.ModificationHistory, error) {
	const op = "subscription.History"

	records, err := m.storage.ListModificationRecords(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	h := models.NewModificationHistory(subscriptionID)
	for _, rec := range records {
		h.Record(rec)
	}
	return h, nil
}

// Versions возвращает все версии подписки по возрастанию.
func (m *Manager) Versions(ctx context.Context, subscriptionID string) ([]*models.Subscription, error) {
	const op = "subscription.Versions"

	versions, err := m.storage.ListSubscriptionVersions(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return versions, nil
}

// State вычисляет состояние последней версии подписки.
func (m *Manager) State(ctx context.Context, subscriptionID string) (models.LifecycleState, error) {
	const op = "subscription.State"

	latest, err := m.storage.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	var signedVersion uint32
	signed, err := m.storage.GetSignedSubscription(ctx, subscriptionID)
	switch {
	case err == nil:
		signedVersion = signed.Subscription.Version
	case !errors.Is(err, errs.ErrNotFound):
		return "", fmt.Errorf("%s: %w", op, err)
	}

	isSigned := signedVersion == latest.Version
	superseded := signedVersion != 0 && signedVersion < latest.Version && !latest.IsCancelled()
	return models.Lifecycle(latest, isSigned, superseded, latest.IsCancelled(), m.now().Unix()), nil
}
