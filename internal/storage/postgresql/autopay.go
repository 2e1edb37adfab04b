package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// SaveAutoPayRule сохраняет правило автоплатежа.
func (s *Storage) SaveAutoPayRule(ctx context.Context, rule models.AutoPayRule) error {
	const op = "storage.postgresql.SaveAutoPayRule"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	doc, err := encode(rule)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `INSERT INTO autopay_rules (subscription_id, document) VALUES ($1, $2)
			  ON CONFLICT (subscription_id) DO UPDATE SET document = EXCLUDED.document`
	if _, err := s.DB.ExecContext(ctx, query, rule.SubscriptionID, doc); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetAutoPayRule возвращает правило автоплатежа.
func (s *Storage) GetAutoPayRule(ctx context.Context, subscriptionID string) (*models.AutoPayRule, error) {
	const op = "storage.postgresql.GetAutoPayRule"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	var doc []byte
	err := s.DB.QueryRowContext(ctx, `SELECT document FROM autopay_rules WHERE subscription_id = $1`, subscriptionID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, errs.NotFound("auto-pay rule", subscriptionID))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var rule models.AutoPayRule
	if err := decode(doc, &rule); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &rule, nil
}

// DeleteAutoPayRule удаляет правило автоплатежа.
func (s *Storage) DeleteAutoPayRule(ctx context.Context, subscriptionID string) error {
	const op = "storage.postgresql.DeleteAutoPayRule"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	result, err := s.DB.ExecContext(ctx, `DELETE FROM autopay_rules WHERE subscription_id = $1`, subscriptionID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, errs.NotFound("auto-pay rule", subscriptionID))
	}
	return nil
}

// SaveFallbackRecord сохраняет запись о попытках оплаты периода.
func (s *Storage) SaveFallbackRecord(ctx context.Context, rec *models.FallbackRecord) error {
	const op = "storage.postgresql.SaveFallbackRecord"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	next := *rec
	next.Revision = 1
	doc, err := encode(&next)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `INSERT INTO fallback_records (subscription_id, period_start, document) VALUES ($1, $2, $3)
			  ON CONFLICT (subscription_id, period_start) DO UPDATE
			  SET document = jsonb_set(EXCLUDED.document, '{revision}',
			      to_jsonb(COALESCE((fallback_records.document->>'revision')::bigint, 0) + 1))
			  RETURNING (document->>'revision')::bigint`
	var revision int64
	if err := s.DB.QueryRowContext(ctx, query, rec.SubscriptionID, rec.PeriodStart, doc).Scan(&revision); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rec.Revision = revision
	return nil
}

// ClaimFallbackRecord сохраняет запись, если её не изменили с момента чтения.
func (s *Storage) ClaimFallbackRecord(ctx context.Context, rec *models.FallbackRecord) (bool, error) {
	const op = "storage.postgresql.ClaimFallbackRecord"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}
	next := *rec
	next.Revision = rec.Revision + 1
	doc, err := encode(&next)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	var res sql.Result
	if rec.Revision == 0 {
		query := `INSERT INTO fallback_records (subscription_id, period_start, document) VALUES ($1, $2, $3)
				  ON CONFLICT (subscription_id, period_start) DO NOTHING`
		res, err = s.DB.ExecContext(ctx, query, rec.SubscriptionID, rec.PeriodStart, doc)
	} else {
		query := `UPDATE fallback_records SET document = $3
				  WHERE subscription_id = $1 AND period_start = $2
				    AND COALESCE((document->>'revision')::bigint, 0) = $4`
		res, err = s.DB.ExecContext(ctx, query, rec.SubscriptionID, rec.PeriodStart, doc, rec.Revision)
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return false, nil
	}
	rec.Revision = next.Revision
	return true, nil
}

// GetFallbackRecord возвращает запись о попытках оплаты периода.
func (s *Storage) GetFallbackRecord(ctx context.Context, subscriptionID string, periodStart int64) (*models.FallbackRecord, error) {
	const op = "storage.postgresql.GetFallbackRecord"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	var doc []byte
	query := `SELECT document FROM fallback_records WHERE subscription_id = $1 AND period_start = $2`
	err := s.DB.QueryRowContext(ctx, query, subscriptionID, periodStart).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		key := subscriptionID + "@" + strconv.FormatInt(periodStart, 10)
		return nil, fmt.Errorf("%s: %w", op, errs.NotFound("fallback record", key))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var rec models.FallbackRecord
	if err := decode(doc, &rec); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &rec, nil
}
