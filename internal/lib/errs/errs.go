// Package errs содержит общую таксономию ошибок ядра подписок.
//
// Ошибки сравниваются через errors.Is: каждый слой оборачивает их
// в fmt.Errorf("%s: %w", op, err), сохраняя исходную категорию.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument — некорректный ввод, отклонён до изменения состояния.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrCrypto — подпись не прошла проверку, истекла или была использована повторно.
	ErrCrypto = errors.New("cryptographic verification failed")
	// ErrOverflow — арифметическое переполнение суммы.
	ErrOverflow = errors.New("arithmetic overflow")
	// ErrLimitExceeded — операция превысила лимит расходов.
	ErrLimitExceeded = errors.New("spending limit exceeded")
	// ErrNotFound — запись ещё не создана.
	ErrNotFound = errors.New("not found")
	// ErrLockPoisoned — защищённое состояние повреждено паникой внутри критической секции.
	ErrLockPoisoned = errors.New("lock poisoned")
	// ErrSerialization — не удалось закодировать или декодировать данные.
	ErrSerialization = errors.New("serialization error")
)

// InvalidArgument возвращает ErrInvalidArgument с пояснением.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Crypto возвращает ErrCrypto с пояснением.
func Crypto(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCrypto, fmt.Sprintf(format, args...))
}

// NotFound возвращает ErrNotFound для сущности с указанным ключом.
func NotFound(entity, key string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, entity, key)
}
