// Package storage описывает хранилище подписок, правил автоплатежа,
// лимитов расходов и журналов. Реализации лежат в подпакетах memory,
// file и postgresql.
package storage

import (
	"context"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// SubscriptionStorage — контракт хранилища.
//
// ReserveSpending, CommitSpending и RollbackSpending обязаны быть атомарными
// относительно всех процессов, работающих с тем же хранилищем: проверка
// лимита и увеличение расходов выполняются как один шаг.
// Отсутствующие записи возвращаются как errs.ErrNotFound.
type SubscriptionStorage interface {
	// SaveSubscription сохраняет версию подписки. Повторное сохранение той же версии перезаписывает её.
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	// GetSubscription возвращает последнюю версию подписки.
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	// GetSubscriptionVersion возвращает конкретную версию.
	GetSubscriptionVersion(ctx context.Context, id string, version uint32) (*models.Subscription, error)
	// ListSubscriptionVersions возвращает все версии по возрастанию.
	ListSubscriptionVersions(ctx context.Context, id string) ([]*models.Subscription, error)
	// ListSubscriptionsWithPeer возвращает последние версии подписок, где peer — одна из сторон.
	ListSubscriptionsWithPeer(ctx context.Context, peer identity.PublicKey) ([]*models.Subscription, error)

	// SaveSignedSubscription сохраняет подписанное соглашение и его версию.
	SaveSignedSubscription(ctx context.Context, signed *models.SignedSubscription) error
	GetSignedSubscription(ctx context.Context, id string) (*models.SignedSubscription, error)
	// ListActiveSubscriptions возвращает соглашения, подписанные условия
	// которых действуют в момент now (см. models.SignedSubscription.ActiveAt).
	ListActiveSubscriptions(ctx context.Context, now int64) ([]*models.SignedSubscription, error)

	SaveModificationRecord(ctx context.Context, rec models.ModificationRecord) error
	// ListModificationRecords возвращает журнал в порядке записи.
	ListModificationRecords(ctx context.Context, subscriptionID string) ([]models.ModificationRecord, error)

	SaveAutoPayRule(ctx context.Context, rule models.AutoPayRule) error
	GetAutoPayRule(ctx context.Context, subscriptionID string) (*models.AutoPayRule, error)
	DeleteAutoPayRule(ctx context.Context, subscriptionID string) error

	// SavePeerSpendingLimit задаёт лимит. Незавершённые резервирования
	// после замены лимита откатываются без вычитания.
	SavePeerSpendingLimit(ctx context.Context, limit models.PeerSpendingLimit) error
	GetPeerSpendingLimit(ctx context.Context, peer identity.PublicKey) (*models.PeerSpendingLimit, error)
	// ReserveSpending атомарно проверяет лимит и увеличивает расходы.
	// Превышение возвращает errs.ErrLimitExceeded.
	ReserveSpending(ctx context.Context, peer identity.PublicKey, amt amount.Amount) (models.ReservationToken, error)
	// CommitSpending завершает резервирование без изменения суммы.
	CommitSpending(ctx context.Context, token models.ReservationToken) error
	// RollbackSpending возвращает зарезервированную сумму.
	RollbackSpending(ctx context.Context, token models.ReservationToken) error

	// SaveFallbackRecord безусловно сохраняет запись и увеличивает её
	// Revision; rec.Revision получает новое значение.
	SaveFallbackRecord(ctx context.Context, rec *models.FallbackRecord) error
	// ClaimFallbackRecord сохраняет запись, только если её не изменили с
	// момента чтения: при rec.Revision == 0 записи за период ещё нет, иначе
	// сохранённая Revision совпадает с rec.Revision. Возвращает false, если
	// запись уже изменена другим обработчиком.
	ClaimFallbackRecord(ctx context.Context, rec *models.FallbackRecord) (bool, error)
	GetFallbackRecord(ctx context.Context, subscriptionID string, periodStart int64) (*models.FallbackRecord, error)

	Close() error
}
