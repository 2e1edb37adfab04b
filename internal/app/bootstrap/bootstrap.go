// Package bootstrap собирает зависимости сервисов из конфигурации:
// хранилище, ключи узла, Redis, реестр nonce, транспорт обнаружения
// и канал RabbitMQ.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/config"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/discovery/transport"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sealed"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/signing"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/migrations"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/nonce"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/rabbitmq"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/discovery"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/fallback"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage/file"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage/memory"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage/postgresql"
)

const (
	dbReadyAttempts = 10
	dbReadyDelay    = 3 * time.Second
)

// Storage открывает хранилище выбранного драйвера. Для PostgreSQL
// применяет миграции и ждёт готовности схемы.
func Storage(ctx context.Context, cfg config.Storage, log *slog.Logger) (storage.SubscriptionStorage, error) {
	const op = "bootstrap.Storage"

	switch cfg.Driver {
	case config.StorageMemory:
		log.Warn("using in-memory storage, state is lost on restart")
		return memory.New(), nil
	case config.StorageFile:
		st, err := file.New(cfg.FileDir)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return st, nil
	case config.StoragePostgres:
		st, err := postgresql.New(cfg.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := migrations.Run(st.DB, cfg.MigrationsPath); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := waitForDB(ctx, st); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("%s: unknown storage driver %q", op, cfg.Driver)
	}
}

func waitForDB(ctx context.Context, st *postgresql.Storage) error {
	var err error
	for range dbReadyAttempts {
		if err = postgresql.CheckDatabaseReady(ctx, st); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dbReadyDelay):
		}
	}
	return fmt.Errorf("database not ready after retries: %w", err)
}

// Identity восстанавливает ключ узла из seed_hex. Без seed создаётся
// временный ключ: подписи и доступ к обнаружению не переживут перезапуск.
func Identity(cfg config.Identity, log *slog.Logger) (*identity.Keypair, error) {
	const op = "bootstrap.Identity"

	if cfg.SeedHex == "" {
		log.Warn("identity seed is not set, using an ephemeral key")
		kp, err := identity.GenerateKeypair()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return kp, nil
	}
	kp, err := identity.KeypairFromHex(cfg.SeedHex)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return kp, nil
}

// SealingKeys выводит ключ шифрования документов обнаружения из ключа узла.
func SealingKeys(id *identity.Keypair) (*sealed.Keypair, error) {
	return sealed.DeriveKeypair(id.PrivateKey().Seed())
}

// NonceStore — реестр nonce с очисткой просроченных записей.
type NonceStore interface {
	signing.NonceStore
	CleanupExpired(ctx context.Context, before int64) (int, error)
}

// Nonces возвращает реестр выбранного драйвера.
func Nonces(cfg config.Nonce, client redis.Cmdable) (NonceStore, error) {
	switch cfg.Driver {
	case config.NonceMemory:
		return nonce.New(), nil
	case config.NonceRedis:
		if client == nil {
			return nil, errors.New("bootstrap.Nonces: redis client is required")
		}
		return nonce.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("bootstrap.Nonces: unknown nonce driver %q", cfg.Driver)
	}
}

// DiscoveryTransport возвращает транспорт обнаружения выбранного драйвера.
func DiscoveryTransport(ctx context.Context, cfg config.Discovery, client redis.Cmdable) (discovery.Transport, error) {
	const op = "bootstrap.DiscoveryTransport"

	switch cfg.Driver {
	case config.DiscoveryRedis:
		if client == nil {
			return nil, fmt.Errorf("%s: redis client is required", op)
		}
		return transport.NewRedis(client), nil
	case config.DiscoveryS3:
		tr, err := transport.NewS3FromConfig(ctx, cfg.Bucket, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return tr, nil
	default:
		return nil, fmt.Errorf("%s: unknown discovery driver %q", op, cfg.Driver)
	}
}

// FallbackPolicy переносит настройки в политику резервных методов.
// Пустые значения берутся из fallback.DefaultPolicy.
func FallbackPolicy(cfg config.Fallback) fallback.Policy {
	p := fallback.DefaultPolicy()
	for method, priority := range cfg.Methods {
		p = p.WithMethod(method, priority)
	}
	if cfg.MaxMethods > 0 {
		p.MaxMethods = cfg.MaxMethods
	}
	if cfg.MaxRetries > 0 {
		p.MaxRetriesPerMethod = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		p.RetryDelay = cfg.RetryDelay
	}
	if cfg.GracePeriod > 0 {
		p.GracePeriod = cfg.GracePeriod
	}
	p.NotifyOnFallback = cfg.Notify
	return p
}

// Rabbit подключается к брокеру и объявляет очереди биллинга.
func Rabbit(cfg config.RabbitMQ, log *slog.Logger) (*amqp.Connection, *amqp.Channel, error) {
	const op = "bootstrap.Rabbit"

	conn, err := rabbitmq.Connect(cfg.URL, cfg.MaxRetries, cfg.RetryDelay)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	ch, err := rabbitmq.SetupChannel(conn, cfg.Exchange, rabbitmq.BillingQueues())
	if err != nil {
		CloseRabbit(nil, conn, log)
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	log.Info("connected to RabbitMQ", slog.String("exchange", cfg.Exchange))
	return conn, ch, nil
}

// CloseRabbit закрывает канал и соединение, если они открыты.
func CloseRabbit(ch *amqp.Channel, conn *amqp.Connection, log *slog.Logger) {
	if ch != nil {
		if err := ch.Close(); err != nil {
			log.Error("failed to close channel", sl.Err(err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Error("failed to close connection", sl.Err(err))
		}
	}
}
