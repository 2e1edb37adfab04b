package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// SavePeerSpendingLimit задаёт лимит контрагента.
func (s *Storage) SavePeerSpendingLimit(ctx context.Context, limit models.PeerSpendingLimit) error {
	const op = "storage.postgresql.SavePeerSpendingLimit"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	query := `INSERT INTO peer_spending_limits (peer, total_limit, period, current_spent, last_reset)
			  VALUES ($1, $2, $3, $4, $5)
			  ON CONFLICT (peer) DO UPDATE SET
			      total_limit = EXCLUDED.total_limit,
			      period = EXCLUDED.period,
			      current_spent = EXCLUDED.current_spent,
			      last_reset = EXCLUDED.last_reset`
	_, err := s.DB.ExecContext(ctx, query,
		limit.Peer.String(), limit.TotalAmountLimit, string(limit.Period), limit.CurrentSpent, limit.LastReset)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func scanLimit(row *sql.Row, peer identity.PublicKey) (models.PeerSpendingLimit, error) {
	limit := models.PeerSpendingLimit{Peer: peer}
	var period string
	err := row.Scan(&limit.TotalAmountLimit, &period, &limit.CurrentSpent, &limit.LastReset)
	if errors.Is(err, sql.ErrNoRows) {
		return limit, errs.NotFound("peer spending limit", peer.String())
	}
	limit.Period = models.Period(period)
	return limit, err
}

// GetPeerSpendingLimit возвращает лимит с учётом наступившего сброса периода.
func (s *Storage) GetPeerSpendingLimit(ctx context.Context, peer identity.PublicKey) (*models.PeerSpendingLimit, error) {
	const op = "storage.postgresql.GetPeerSpendingLimit"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT total_limit, period, current_spent, last_reset FROM peer_spending_limits WHERE peer = $1`
	limit, err := scanLimit(s.DB.QueryRowContext(ctx, query, peer.String()), peer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	now := s.now()
	if limit.ShouldReset(now) {
		limit.Reset(now)
	}
	return &limit, nil
}

const lockLimit = `SELECT total_limit, period, current_spent, last_reset
	FROM peer_spending_limits WHERE peer = $1 FOR UPDATE`

// ReserveSpending резервирует amt в лимите peer.
func (s *Storage) ReserveSpending(ctx context.Context, peer identity.PublicKey, amt amount.Amount) (models.ReservationToken, error) {
	const op = "storage.postgresql.ReserveSpending"
	if err := checkCtx(ctx, op); err != nil {
		return models.ReservationToken{}, err
	}
	if !amt.IsPositive() {
		return models.ReservationToken{}, fmt.Errorf("%s: %w", op, errs.InvalidArgument("reservation amount must be positive"))
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.ReservationToken{}, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	limit, err := scanLimit(tx.QueryRowContext(ctx, lockLimit, peer.String()), peer)
	if err != nil {
		return models.ReservationToken{}, fmt.Errorf("%s: %w", op, err)
	}
	now := s.now()
	if limit.ShouldReset(now) {
		limit.Reset(now)
	}
	if limit.WouldExceedLimit(amt) {
		return models.ReservationToken{}, fmt.Errorf("%s: %w: %s would exceed remaining %s",
			op, errs.ErrLimitExceeded, amt, limit.RemainingLimit())
	}
	if err := limit.AddSpent(amt); err != nil {
		return models.ReservationToken{}, fmt.Errorf("%s: %w", op, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE peer_spending_limits SET current_spent = $2, last_reset = $3 WHERE peer = $1`,
		peer.String(), limit.CurrentSpent, limit.LastReset)
	if err != nil {
		return models.ReservationToken{}, fmt.Errorf("%s: %w", op, err)
	}

	token := models.ReservationToken{
		TokenID:    uuid.NewString(),
		Peer:       peer,
		Amount:     amt,
		ReservedAt: now.Unix(),
		Epoch:      limit.LastReset,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO spending_reservations (token_id, peer, amount, reserved_at, epoch) VALUES ($1, $2, $3, $4, $5)`,
		token.TokenID, peer.String(), token.Amount, token.ReservedAt, token.Epoch)
	if err != nil {
		return models.ReservationToken{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return models.ReservationToken{}, fmt.Errorf("%s: %w", op, err)
	}
	return token, nil
}

// CommitSpending завершает резервирование.
func (s *Storage) CommitSpending(ctx context.Context, token models.ReservationToken) error {
	const op = "storage.postgresql.CommitSpending"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if _, err := uuid.Parse(token.TokenID); err != nil {
		return fmt.Errorf("%s: %w", op, errs.NotFound("reservation", token.TokenID))
	}

	result, err := s.DB.ExecContext(ctx,
		`DELETE FROM spending_reservations WHERE token_id = $1 AND peer = $2`,
		token.TokenID, token.Peer.String())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, errs.NotFound("reservation", token.TokenID))
	}
	return nil
}

// RollbackSpending откатывает резервирование. Если период лимита
// сменился после резервирования, расходы не уменьшаются.
func (s *Storage) RollbackSpending(ctx context.Context, token models.ReservationToken) error {
	const op = "storage.postgresql.RollbackSpending"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if _, err := uuid.Parse(token.TokenID); err != nil {
		return fmt.Errorf("%s: %w", op, errs.NotFound("reservation", token.TokenID))
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	limit, err := scanLimit(tx.QueryRowContext(ctx, lockLimit, token.Peer.String()), token.Peer)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var reserved amount.Amount
	var epoch int64
	err = tx.QueryRowContext(ctx,
		`DELETE FROM spending_reservations WHERE token_id = $1 AND peer = $2 RETURNING amount, epoch`,
		token.TokenID, token.Peer.String()).Scan(&reserved, &epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, errs.NotFound("reservation", token.TokenID))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if epoch == limit.LastReset {
		_, err = tx.ExecContext(ctx,
			`UPDATE peer_spending_limits SET current_spent = $2 WHERE peer = $1`,
			token.Peer.String(), limit.CurrentSpent.Sub(reserved))
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
