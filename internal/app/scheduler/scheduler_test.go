package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/config"
	schedulerservice "github.com/magabrotheeeer/paykit-subscriptions/internal/services/scheduler"
)

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJobs(t *testing.T) {
	svc := schedulerservice.NewService(nil, nil, newNoopLogger())
	cfg := config.Scheduler{DueSpec: "@every 1m", NotifySpec: "@every 15m", NonceCleanupSpec: "@hourly", GraceSpec: "@every 5m"}

	jobs := Jobs(svc, cfg)
	require.Len(t, jobs, 4)

	specs := make(map[string]string, len(jobs))
	for _, j := range jobs {
		assert.NotNil(t, j.Run)
		specs[j.Name] = j.Spec
	}
	assert.Equal(t, "@every 1m", specs["due_payments"])
	assert.Equal(t, "@every 15m", specs["upcoming_payments"])
	assert.Equal(t, "@hourly", specs["nonce_cleanup"])
	assert.Equal(t, "@every 5m", specs["grace_expiry"])
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid spec", func(t *testing.T) {
		_, err := schedule(ctx, []Job{{Name: "broken", Spec: "every minute"}}, newNoopLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
	})

	t.Run("runs registered jobs", func(t *testing.T) {
		done := make(chan struct{}, 1)
		job := Job{Name: "tick", Spec: "@every 1s", Run: func(context.Context, time.Time) (int, error) {
			select {
			case done <- struct{}{}:
			default:
			}
			return 1, nil
		}}

		c, err := schedule(ctx, []Job{job}, newNoopLogger())
		require.NoError(t, err)
		require.Len(t, c.Entries(), 1)

		c.Start()
		defer c.Stop()

		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("job did not run")
		}
	})
}
