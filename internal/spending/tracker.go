// Package spending хранит лимиты расходов по контрагентам и реализует
// трёхфазный протокол резервирования: TryReserve, затем Commit или Rollback.
//
// Проверка лимита и увеличение расходов выполняются под одной блокировкой
// контрагента, поэтому два параллельных резервирования не могут вместе
// превысить лимит. Разные контрагенты блокируются независимо.
package spending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

type peerState struct {
	mu       sync.RWMutex
	limit    models.PeerSpendingLimit
	pending  map[string]models.ReservationToken
	poisoned bool
}

// Tracker — потокобезопасный реестр лимитов в памяти.
type Tracker struct {
	mu    sync.Mutex
	peers map[identity.PublicKey]*peerState
	now   func() time.Time
}

// NewTracker создаёт пустой реестр.
func NewTracker() *Tracker {
	return &Tracker{
		peers: make(map[identity.PublicKey]*peerState),
		now:   time.Now,
	}
}

// WithClock подменяет источник времени; используется в тестах и хранилищах.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) state(peer identity.PublicKey) (*peerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.peers[peer]
	return st, ok
}

// SetLimit сохраняет лимит контрагента.
//
// Незавершённые резервирования остаются в силе, но их откат после
// замены лимита ничего не вычитает.
func (t *Tracker) SetLimit(ctx context.Context, limit models.PeerSpendingLimit) error {
	const op = "spending.SetLimit"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	t.mu.Lock()
	st, ok := t.peers[limit.Peer]
	if !ok {
		st = &peerState{pending: make(map[string]models.ReservationToken)}
		t.peers[limit.Peer] = st
	}
	t.mu.Unlock()

	return st.write(op, func() error {
		st.limit = limit
		return nil
	})
}

// Limit возвращает снимок лимита с учётом наступившего сброса периода.
func (t *Tracker) Limit(ctx context.Context, peer identity.PublicKey) (models.PeerSpendingLimit, error) {
	const op = "spending.Limit"

	if err := ctx.Err(); err != nil {
		return models.PeerSpendingLimit{}, fmt.Errorf("%s: %w", op, err)
	}
	st, ok := t.state(peer)
	if !ok {
		return models.PeerSpendingLimit{}, fmt.Errorf("%s: %w", op, errs.NotFound("peer spending limit", peer.String()))
	}

	var snapshot models.PeerSpendingLimit
	err := st.read(op, func() {
		snapshot = st.limit
	})
	if err != nil {
		return models.PeerSpendingLimit{}, err
	}
	now := t.now()
	if snapshot.ShouldReset(now) {
		snapshot.Reset(now)
	}
	return snapshot, nil
}

// RemainingLimit возвращает остаток лимита контрагента.
func (t *Tracker) RemainingLimit(ctx context.Context, peer identity.PublicKey) (amount.Amount, error) {
	limit, err := t.Limit(ctx, peer)
	if err != nil {
		return amount.Amount{}, err
	}
	return limit.RemainingLimit(), nil
}

// TryReserve атомарно проверяет лимит и увеличивает расходы на amt.
func (t *Tracker) TryReserve(ctx context.Context, peer identity.PublicKey, amt amount.Amount) (models.ReservationToken, error) {
	const op = "spending.TryReserve"

	if err := ctx.Err(); err != nil {
		return models.ReservationToken{}, fmt.Errorf("%s: %w", op, err)
	}
	if !amt.IsPositive() {
		return models.ReservationToken{}, fmt.Errorf("%s: %w", op, errs.InvalidArgument("reservation amount must be positive"))
	}
	st, ok := t.state(peer)
	if !ok {
		return models.ReservationToken{}, fmt.Errorf("%s: %w", op, errs.NotFound("peer spending limit", peer.String()))
	}

	var token models.ReservationToken
	err := st.write(op, func() error {
		now := t.now()
		if st.limit.ShouldReset(now) {
			st.limit.Reset(now)
		}
		if st.limit.WouldExceedLimit(amt) {
			return fmt.Errorf("%w: %s would exceed remaining %s", errs.ErrLimitExceeded, amt, st.limit.RemainingLimit())
		}
		if err := st.limit.AddSpent(amt); err != nil {
			return err
		}
		token = models.ReservationToken{
			TokenID:    uuid.NewString(),
			Peer:       peer,
			Amount:     amt,
			ReservedAt: now.Unix(),
			Epoch:      st.limit.LastReset,
		}
		st.pending[token.TokenID] = token
		return nil
	})
	if err != nil {
		return models.ReservationToken{}, err
	}
	return token, nil
}

// Commit завершает резервирование. Сумма уже учтена в TryReserve.
func (t *Tracker) Commit(ctx context.Context, token models.ReservationToken) error {
	const op = "spending.Commit"

	st, err := t.pendingState(ctx, op, token)
	if err != nil {
		return err
	}
	return st.write(op, func() error {
		if _, ok := st.pending[token.TokenID]; !ok {
			return errs.NotFound("reservation", token.TokenID)
		}
		delete(st.pending, token.TokenID)
		return nil
	})
}

// Rollback возвращает зарезервированную сумму.
//
// Если с момента резервирования период сбросился, вычитать нечего:
// расходы уже обнулены.
func (t *Tracker) Rollback(ctx context.Context, token models.ReservationToken) error {
	const op = "spending.Rollback"

	st, err := t.pendingState(ctx, op, token)
	if err != nil {
		return err
	}
	return st.write(op, func() error {
		pending, ok := st.pending[token.TokenID]
		if !ok {
			return errs.NotFound("reservation", token.TokenID)
		}
		delete(st.pending, token.TokenID)
		if pending.Epoch != st.limit.LastReset {
			return nil
		}
		st.limit.CurrentSpent = st.limit.CurrentSpent.Sub(pending.Amount)
		return nil
	})
}

// Pending возвращает число незавершённых резервирований контрагента.
func (t *Tracker) Pending(peer identity.PublicKey) int {
	st, ok := t.state(peer)
	if !ok {
		return 0
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.pending)
}

func (t *Tracker) pendingState(ctx context.Context, op string, token models.ReservationToken) (*peerState, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	st, ok := t.state(token.Peer)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, errs.NotFound("reservation", token.TokenID))
	}
	return st, nil
}

// write выполняет fn под эксклюзивной блокировкой. Паника внутри fn
// помечает состояние испорченным: все последующие операции с этим
// контрагентом возвращают ErrLockPoisoned.
func (st *peerState) write(op string, fn func() error) (err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.poisoned {
		return fmt.Errorf("%s: %w", op, errs.ErrLockPoisoned)
	}
	defer func() {
		if r := recover(); r != nil {
			st.poisoned = true
			panic(r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (st *peerState) read(op string, fn func()) error {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.poisoned {
		return fmt.Errorf("%s: %w", op, errs.ErrLockPoisoned)
	}
	fn()
	return nil
}
