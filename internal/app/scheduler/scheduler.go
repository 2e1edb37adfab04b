// Package scheduler собирает планировщик биллинга: периодические задачи
// поиска платежей к оплате, уведомлений, очистки nonce и закрытия
// льготных периодов.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/app/bootstrap"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/cache"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/config"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/nonce"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/rabbitmq"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/fallback"
	schedulerservice "github.com/magabrotheeeer/paykit-subscriptions/internal/services/scheduler"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage"
)

// App представляет приложение планировщика.
type App struct {
	cron    *cron.Cron
	storage storage.SubscriptionStorage
	cache   *cache.Cache
	conn    *amqp.Connection
	ch      *amqp.Channel
	logger  *slog.Logger
}

// Job — периодическая задача планировщика.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context, now time.Time) (int, error)
}

// Jobs возвращает задачи сервиса по расписаниям из cfg.
func Jobs(svc *schedulerservice.Service, cfg config.Scheduler) []Job {
	return []Job{
		{Name: "due_payments", Spec: cfg.DueSpec, Run: svc.CheckDuePayments},
		{Name: "upcoming_payments", Spec: cfg.NotifySpec, Run: svc.NotifyUpcoming},
		{Name: "nonce_cleanup", Spec: cfg.NonceCleanupSpec, Run: svc.CleanupNonces},
		{Name: "grace_expiry", Spec: cfg.GraceSpec, Run: svc.ExpireGrace},
	}
}

// New создает новый экземпляр приложения планировщика.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.scheduler.New"

	st, err := bootstrap.Storage(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	conn, ch, err := bootstrap.Rabbit(cfg.RabbitMQ, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("%s: failed to connect RabbitMQ: %w", op, err)
	}
	a := &App{storage: st, conn: conn, ch: ch, logger: logger}

	pub := rabbitmq.NewPublisher(ch, cfg.Exchange)
	grace := fallback.NewHandler(
		bootstrap.FallbackPolicy(cfg.Fallback),
		fallback.NewPublisherNotifier(pub, rabbitmq.KeyNotification),
		logger,
	)
	svc := schedulerservice.NewService(st, pub, logger).WithGraceExpirer(grace)

	if cfg.Nonce.Driver == config.NonceRedis {
		a.cache, err = cache.InitServer(ctx, cfg.RedisConnection)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("%s: cache not initialized: %w", op, err)
		}
		svc.WithNonceCleaner(nonce.NewRedisStore(a.cache.Db))
	}

	a.cron, err = schedule(ctx, Jobs(svc, cfg.Scheduler), logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

// schedule регистрирует задачи в cron. Перекрывающиеся запуски одной
// задачи пропускаются.
func schedule(ctx context.Context, jobs []Job, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for _, job := range jobs {
		log := logger.With(slog.String("job", job.Name))
		run := job.Run
		if _, err := c.AddFunc(job.Spec, func() {
			n, err := run(ctx, time.Now())
			if err != nil {
				log.Error("scheduled job failed", sl.Err(err))
			}
			if n > 0 {
				log.Info("scheduled job done", slog.Int("count", n))
			}
		}); err != nil {
			return nil, fmt.Errorf("invalid spec %q for job %s: %w", job.Spec, job.Name, err)
		}
	}
	return c, nil
}

func (a *App) close() {
	bootstrap.CloseRabbit(a.ch, a.conn, a.logger)
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("failed to close cache", sl.Err(err))
		}
	}
	if err := a.storage.Close(); err != nil {
		a.logger.Error("failed to close storage", sl.Err(err))
	}
}

// Run запускает планировщик и блокируется до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	a.cron.Start()
	a.logger.Info("scheduler started", slog.Int("jobs", len(a.cron.Entries())))

	<-ctx.Done()

	a.logger.Info("shutting down scheduler service")
	<-a.cron.Stop().Done()
	a.close()
	return nil
}
