// Package nonce реализует реестры использованных nonce для защиты от
// повторного предъявления подписей.
//
// Store держит реестр в памяти процесса, RedisStore разделяет его между
// несколькими процессами. Оба удовлетворяют signing.NonceStore.
package nonce

import (
	"context"
	"fmt"
	"sync"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// Store — потокобезопасный реестр nonce → срок действия.
//
// Паника внутри критической секции помечает реестр повреждённым; все
// последующие вызовы возвращают ErrLockPoisoned, а не считают nonce новым.
type Store struct {
	mu       sync.RWMutex
	used     map[models.Nonce]int64
	poisoned bool
}

// New создаёт пустой реестр.
func New() *Store {
	return &Store{used: make(map[models.Nonce]int64)}
}

// CheckAndMark атомарно отмечает nonce. Возвращает true только при первом вызове.
func (s *Store) CheckAndMark(ctx context.Context, nonce models.Nonce, expiresAt int64) (bool, error) {
	const op = "nonce.CheckAndMark"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var fresh bool
	err := s.write(func() {
		if _, ok := s.used[nonce]; ok {
			return
		}
		s.used[nonce] = expiresAt
		fresh = true
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return fresh, nil
}

// CleanupExpired удаляет записи со сроком раньше before и возвращает их число.
func (s *Store) CleanupExpired(ctx context.Context, before int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("nonce.CleanupExpired: %w", err)
	}
	var removed int
	err := s.write(func() {
		for n, exp := range s.used {
			if exp < before {
				delete(s.used, n)
				removed++
			}
		}
	})
	if err != nil {
		return 0, fmt.Errorf("nonce.CleanupExpired: %w", err)
	}
	return removed, nil
}

// Count возвращает число отслеживаемых nonce.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.read(func() { n = len(s.used) }); err != nil {
		return 0, fmt.Errorf("nonce.Count: %w", err)
	}
	return n, nil
}

// HasNonce сообщает, использован ли nonce.
func (s *Store) HasNonce(nonce models.Nonce) (bool, error) {
	var ok bool
	if err := s.read(func() { _, ok = s.used[nonce] }); err != nil {
		return false, fmt.Errorf("nonce.HasNonce: %w", err)
	}
	return ok, nil
}

func (s *Store) write(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned {
		return errs.ErrLockPoisoned
	}
	defer func() {
		if r := recover(); r != nil {
			s.poisoned = true
			panic(r)
		}
	}()
	fn()
	return nil
}

func (s *Store) read(fn func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.poisoned {
		return errs.ErrLockPoisoned
	}
	fn()
	return nil
}
