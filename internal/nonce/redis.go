package nonce

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

const (
	defaultPrefix = "paykit:nonce:"
	// minTTL — запас поверх срока подписи на расхождение часов узлов;
	// он же минимальный TTL ключа.
	minTTL = time.Minute
)

// markScript ставит ключ nonce через SET NX и заносит его в индекс сроков
// одной операцией.
var markScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	redis.call('ZADD', KEYS[2], ARGV[1], ARGV[3])
	return 1
end
return 0
`)

// RedisStore — реестр nonce в Redis. Атомарность обеспечивает SET NX,
// сами записи удаляет Redis по TTL. Индекс сроков (sorted set) нужен для
// подсчёта и подчищается CleanupExpired.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisStore создаёт реестр поверх клиента Redis.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultPrefix,
		now:    time.Now,
	}
}

func (s *RedisStore) key(nonce models.Nonce) string {
	return s.prefix + nonce.String()
}

func (s *RedisStore) index() string {
	return s.prefix + "index"
}

// CheckAndMark отмечает nonce; возвращает true только при первом вызове.
func (s *RedisStore) CheckAndMark(ctx context.Context, nonce models.Nonce, expiresAt int64) (bool, error) {
	const op = "nonce.RedisStore.CheckAndMark"

	// Подпись принимается до конца секунды expiresAt включительно.
	ttl := time.Unix(expiresAt+1, 0).Sub(s.now()) + minTTL
	if ttl < minTTL {
		ttl = minTTL
	}

	res, err := markScript.Run(ctx, s.client,
		[]string{s.key(nonce), s.index()},
		expiresAt, ttl.Milliseconds(), nonce.String(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return res == 1, nil
}

// HasNonce сообщает, использован ли nonce.
func (s *RedisStore) HasNonce(ctx context.Context, nonce models.Nonce) (bool, error) {
	const op = "nonce.RedisStore.HasNonce"

	n, err := s.client.Exists(ctx, s.key(nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// CleanupExpired удаляет из индекса nonce со сроком раньше before.
func (s *RedisStore) CleanupExpired(ctx context.Context, before int64) (int, error) {
	const op = "nonce.RedisStore.CleanupExpired"

	n, err := s.client.ZRemRangeByScore(ctx, s.index(), "-inf", "("+strconv.FormatInt(before, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(n), nil
}

// Count возвращает число nonce в индексе.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	const op = "nonce.RedisStore.Count"

	n, err := s.client.ZCard(ctx, s.index()).Result()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(n), nil
}
