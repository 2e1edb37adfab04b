// Package transport хранит документы обнаружения по путям вида
// /pub/paykit.app/v0/... в Redis или S3.
package transport

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
)

const (
	redisDataPrefix  = "paykit:discovery:data:"
	redisIndexPrefix = "paykit:discovery:index:"
)

// Redis хранит документ по ключу пути и индексирует пути по каталогам.
type Redis struct {
	client redis.Cmdable
}

// NewRedis создаёт транспорт поверх клиента Redis.
func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

func dir(p string) string {
	return strings.TrimSuffix(path.Dir(p), "/") + "/"
}

func checkPath(p string) error {
	if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") || path.Clean(p) != p {
		return errs.InvalidArgument("invalid discovery path %q", p)
	}
	return nil
}

// Put записывает документ.
func (r *Redis) Put(ctx context.Context, p string, data []byte) error {
	const op = "transport.Redis.Put"
	if err := checkPath(p); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisDataPrefix+p, data, 0)
		pipe.SAdd(ctx, redisIndexPrefix+dir(p), p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Get читает документ.
func (r *Redis) Get(ctx context.Context, p string) ([]byte, error) {
	const op = "transport.Redis.Get"
	data, err := r.client.Get(ctx, redisDataPrefix+p).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", op, errs.NotFound("discovery document", p))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return data, nil
}

// List возвращает пути документов в каталоге prefix по возрастанию.
func (r *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	const op = "transport.Redis.List"
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	paths, err := r.client.SMembers(ctx, redisIndexPrefix+prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	slices.Sort(paths)
	return paths, nil
}

// Delete удаляет документ. Отсутствие документа не считается ошибкой.
func (r *Redis) Delete(ctx context.Context, p string) error {
	const op = "transport.Redis.Delete"
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisDataPrefix+p)
		pipe.SRem(ctx, redisIndexPrefix+dir(p), p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
