package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/notifykit/migrations"
	"github.com/dmitrymomot/notifykit/pkg/email"
	"github.com/dmitrymomot/notifykit/pkg/httpserver"
	"github.com/dmitrymomot/notifykit/pkg/notifications"
	"github.com/dmitrymomot/notifykit/pkg/notifications/pgstore"
	"github.com/dmitrymomot/notifykit/pkg/notifications/redisindex"
	"github.com/dmitrymomot/notifykit/pkg/pg"
	"github.com/dmitrymomot/notifykit/pkg/queue"
	"github.com/dmitrymomot/notifykit/pkg/queue/pgqueue"
	"github.com/dmitrymomot/notifykit/pkg/redis"
)

// Open connects the configured backends. Postgres holds records and tasks,
// Redis holds the suppression index. With MemoryBackends set everything
// lives in process memory.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (Backends, error) {
	if log == nil {
		log = slog.Default()
	}

	mailer, err := email.NewSender(cfg.Email)
	if err != nil {
		return Backends{}, fmt.Errorf("create mailer: %w", err)
	}

	if cfg.MemoryBackends {
		log.LogAttrs(ctx, slog.LevelWarn, "using in-memory backends, state is lost on restart")
		tasks := queue.NewMemoryStorage()
		return Backends{
			Storage: notifications.NewMemoryStorage(),
			Index:   notifications.NewMemorySuppressionIndex(),
			Tasks:   tasks,
			Mailer:  mailer,
			Close:   tasks.Close,
		}, nil
	}

	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return Backends{}, err
	}
	if err := pg.Migrate(ctx, pool, cfg.PG, migrations.FS, ".", log); err != nil {
		pool.Close()
		return Backends{}, err
	}

	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		pool.Close()
		return Backends{}, err
	}

	return Backends{
		Storage: pgstore.New(pool),
		Index:   redisindex.New(client, redisindex.WithPrefix(cfg.Redis.KeyPrefix)),
		Tasks:   pgqueue.New(pool),
		Mailer:  mailer,
		Checks: []httpserver.Check{
			{Name: "postgres", Fn: pg.Healthcheck(pool)},
			{Name: "redis", Fn: redis.Healthcheck(client)},
		},
		Close: func() error {
			defer pool.Close()
			return client.Close()
		},
	}, nil
}
