// Package api собирает HTTP API узла: маршруты, хранилище, обнаружение
// и фоновую синхронизацию входящих документов.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/app/bootstrap"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/cache"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/config"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/health"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/mware"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/jwt"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/proration"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/metrics"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/discovery"
	subservice "github.com/magabrotheeeer/paykit-subscriptions/internal/services/subscription"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage/postgresql"
)

const shutdownTimeout = 15 * time.Second

// App — HTTP API узла.
type App struct {
	server    *http.Server
	logger    *slog.Logger
	storage   storage.SubscriptionStorage
	cache     *cache.Cache
	cron      *cron.Cron
	manager   *subservice.Manager
	discovery *discovery.Service
}

// New создаёт приложение и публикует ключ шифрования узла.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.api.New"

	id, err := bootstrap.Identity(cfg.Identity, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	logger = logger.With(slog.String("node", id.PublicKey().String()))

	st, err := bootstrap.Storage(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("%s: cache not initialized: %w", op, err)
	}
	closeAll := func() {
		_ = st.Close()
		_ = cacheRedis.Close()
	}

	nonces, err := bootstrap.Nonces(cfg.Nonce, cacheRedis.Db)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tr, err := bootstrap.DiscoveryTransport(ctx, cfg.Discovery, cacheRedis.Db)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	keys, err := bootstrap.SealingKeys(id)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	disc := discovery.New(tr, id, keys, logger)
	if err := disc.PublishSealingKey(ctx); err != nil {
		closeAll()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	manager := subservice.NewManager(id, st, nonces, cacheRedis, logger).
		WithPublisher(disc).
		WithMetrics(m).
		WithSignatureTTL(cfg.SignatureTTL)

	allowed, err := allowedPeers(cfg.AllowedPeers, id.PublicKey())
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tokens := jwt.NewJWTMaker(id, cfg.TokenTTL, allowed...)

	checks := map[string]health.Checker{
		"redis": health.CheckerFunc(func(ctx context.Context) error {
			return cacheRedis.Db.Ping(ctx).Err()
		}),
	}
	if pg, ok := st.(*postgresql.Storage); ok {
		checks["postgres"] = health.CheckerFunc(pg.DB.PingContext)
	}

	router := chi.NewRouter()
	RegisterRoutes(router, logger, Deps{
		Manager:    manager,
		Limits:     st,
		Calculator: proration.NewCalculator(),
		Tokens:     tokens,
		Limiter:    mware.NewRateLimiter(cfg.RateLimit, cfg.Burst, logger),
		Metrics:    m,
		Checks:     checks,
	})

	app := &App{
		server: &http.Server{
			Addr:         cfg.AddressHTTP,
			Handler:      router,
			ReadTimeout:  cfg.TimeoutHTTP,
			WriteTimeout: cfg.TimeoutHTTP,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger:    logger,
		storage:   st,
		cache:     cacheRedis,
		cron:      cron.New(),
		manager:   manager,
		discovery: disc,
	}

	if _, err := app.cron.AddFunc(cfg.Discovery.SyncSpec, app.syncJob(ctx)); err != nil {
		closeAll()
		return nil, fmt.Errorf("%s: invalid discovery sync spec: %w", op, err)
	}
	if cfg.Nonce.Driver == config.NonceMemory {
		// Реестр в памяти живёт только в этом процессе, чистить его больше некому.
		if _, err := app.cron.AddFunc(cfg.NonceCleanupSpec, cleanupJob(ctx, nonces, logger)); err != nil {
			closeAll()
			return nil, fmt.Errorf("%s: invalid nonce cleanup spec: %w", op, err)
		}
	}

	return app, nil
}

// allowedPeers разбирает список допущенных участников. Если список не
// пуст, в него добавляется сам узел.
func allowedPeers(raw []string, self identity.PublicKey) ([]identity.PublicKey, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]identity.PublicKey, 0, len(raw)+1)
	for _, s := range raw {
		pk, err := identity.ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("allowed peer %q: %w", s, err)
		}
		out = append(out, pk)
	}
	return append(out, self), nil
}

func (a *App) syncJob(ctx context.Context) func() {
	return func() {
		n, err := a.manager.Sync(ctx, a.discovery)
		if err != nil {
			a.logger.Error("discovery sync failed", sl.Err(err))
		}
		if n > 0 {
			a.logger.Info("discovered documents applied", slog.Int("count", n))
		}
	}
}

func cleanupJob(ctx context.Context, nonces bootstrap.NonceStore, logger *slog.Logger) func() {
	return func() {
		removed, err := nonces.CleanupExpired(ctx, time.Now().Unix())
		if err != nil {
			logger.Error("nonce cleanup failed", sl.Err(err))
			return
		}
		if removed > 0 {
			logger.Info("expired nonces removed", slog.Int("count", removed))
		}
	}
}

// Run обслуживает запросы до отмены ctx, затем останавливает сервер
// и фоновые задачи.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		a.cron.Start()
		<-gctx.Done()

		a.logger.Info("shutting down HTTP server gracefully")
		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := a.server.Shutdown(timeoutCtx)
		<-a.cron.Stop().Done()
		return err
	})

	err := g.Wait()
	if cerr := a.storage.Close(); cerr != nil {
		a.logger.Error("failed to close storage", sl.Err(cerr))
	}
	if cerr := a.cache.Close(); cerr != nil {
		a.logger.Error("failed to close cache", sl.Err(cerr))
	}
	return err
}
