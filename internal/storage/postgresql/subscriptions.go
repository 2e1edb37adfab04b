package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

const latestVersions = `SELECT DISTINCT ON (subscription_id) subscription_id, subscriber, provider, document
	FROM subscriptions
	ORDER BY subscription_id, version DESC`

// SaveSubscription сохраняет версию подписки.
func (s *Storage) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	const op = "storage.postgresql.SaveSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := saveVersion(ctx, s.DB, sub); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func saveVersion(ctx context.Context, q querier, sub *models.Subscription) error {
	doc, err := encode(sub)
	if err != nil {
		return err
	}
	query := `INSERT INTO subscriptions (subscription_id, version, subscriber, provider, document)
			  VALUES ($1, $2, $3, $4, $5)
			  ON CONFLICT (subscription_id, version)
			  DO UPDATE SET subscriber = EXCLUDED.subscriber, provider = EXCLUDED.provider, document = EXCLUDED.document`
	_, err = q.ExecContext(ctx, query,
		sub.SubscriptionID, int64(sub.Version), sub.Subscriber.String(), sub.Provider.String(), doc)
	return err
}

func scanSubscription(row interface{ Scan(dest ...any) error }, entity, key string) (*models.Subscription, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound(entity, key)
		}
		return nil, err
	}
	var sub models.Subscription
	if err := decode(doc, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetSubscription возвращает последнюю версию подписки.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	const op = "storage.postgresql.GetSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT document FROM subscriptions
			  WHERE subscription_id = $1
			  ORDER BY version DESC LIMIT 1`
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, query, id), "subscription", id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// GetSubscriptionVersion возвращает конкретную версию подписки.
func (s *Storage) GetSubscriptionVersion(ctx context.Context, id string, version uint32) (*models.Subscription, error) {
	const op = "storage.postgresql.GetSubscriptionVersion"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT document FROM subscriptions WHERE subscription_id = $1 AND version = $2`
	row := s.DB.QueryRowContext(ctx, query, id, int64(version))
	sub, err := scanSubscription(row, "subscription version", fmt.Sprintf("%s@%d", id, version))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// ListSubscriptionVersions возвращает все версии подписки по возрастанию.
func (s *Storage) ListSubscriptionVersions(ctx context.Context, id string) ([]*models.Subscription, error) {
	const op = "storage.postgresql.ListSubscriptionVersions"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT document FROM subscriptions WHERE subscription_id = $1 ORDER BY version`
	out, err := s.querySubscriptions(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ListSubscriptionsWithPeer возвращает последние версии подписок с участием peer.
func (s *Storage) ListSubscriptionsWithPeer(ctx context.Context, peer identity.PublicKey) ([]*models.Subscription, error) {
	const op = "storage.postgresql.ListSubscriptionsWithPeer"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT document FROM (` + latestVersions + `) latest
			  WHERE subscriber = $1 OR provider = $1
			  ORDER BY subscription_id`
	out, err := s.querySubscriptions(ctx, query, peer.String())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Storage) querySubscriptions(ctx context.Context, query string, args ...any) ([]*models.Subscription, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows, "subscription", "")
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// SaveSignedSubscription сохраняет соглашение и его версию в одной транзакции.
func (s *Storage) SaveSignedSubscription(ctx context.Context, signed *models.SignedSubscription) error {
	const op = "storage.postgresql.SaveSignedSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if err := signed.Subscription.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	doc, err := encode(signed)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	if err := saveVersion(ctx, tx, signed.Subscription); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	query := `INSERT INTO signed_subscriptions (subscription_id, document) VALUES ($1, $2)
			  ON CONFLICT (subscription_id) DO UPDATE SET document = EXCLUDED.document`
	if _, err := tx.ExecContext(ctx, query, signed.Subscription.SubscriptionID, doc); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetSignedSubscription возвращает соглашение.
func (s *Storage) GetSignedSubscription(ctx context.Context, id string) (*models.SignedSubscription, error) {
	const op = "storage.postgresql.GetSignedSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	var doc []byte
	err := s.DB.QueryRowContext(ctx, `SELECT document FROM signed_subscriptions WHERE subscription_id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, errs.NotFound("signed subscription", id))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var signed models.SignedSubscription
	if err := decode(doc, &signed); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &signed, nil
}

// ListActiveSubscriptions возвращает соглашения, подписанные условия которых
// действуют в момент now.
func (s *Storage) ListActiveSubscriptions(ctx context.Context, now int64) ([]*models.SignedSubscription, error) {
	const op = "storage.postgresql.ListActiveSubscriptions"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT s.document, latest.document
			  FROM signed_subscriptions s
			  JOIN (` + latestVersions + `) latest USING (subscription_id)
			  ORDER BY s.subscription_id`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.SignedSubscription
	for rows.Next() {
		var signedDoc, latestDoc []byte
		if err := rows.Scan(&signedDoc, &latestDoc); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		var latest models.Subscription
		if err := decode(latestDoc, &latest); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		var signed models.SignedSubscription
		if err := decode(signedDoc, &signed); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if !signed.ActiveAt(&latest, now) {
			continue
		}
		out = append(out, &signed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// SaveModificationRecord добавляет запись в журнал изменений.
func (s *Storage) SaveModificationRecord(ctx context.Context, rec models.ModificationRecord) error {
	const op = "storage.postgresql.SaveModificationRecord"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	doc, err := encode(rec)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `INSERT INTO modification_records (subscription_id, document) VALUES ($1, $2)`
	if _, err := s.DB.ExecContext(ctx, query, rec.Request.SubscriptionID, doc); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListModificationRecords возвращает журнал изменений в порядке записи.
func (s *Storage) ListModificationRecords(ctx context.Context, subscriptionID string) ([]models.ModificationRecord, error) {
	const op = "storage.postgresql.ListModificationRecords"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT document FROM modification_records WHERE subscription_id = $1 ORDER BY id`
	rows, err := s.DB.QueryContext(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.ModificationRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		var rec models.ModificationRecord
		if err := decode(doc, &rec); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
