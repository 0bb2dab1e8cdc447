// Package bootstrap opens the configured broker and cache drivers for the
// api and worker binaries.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Iriptembl/allin/internal/broker"
	"github.com/Iriptembl/allin/internal/broker/amqpbroker"
	"github.com/Iriptembl/allin/internal/broker/pgqueue"
	"github.com/Iriptembl/allin/internal/cache"
	"github.com/Iriptembl/allin/internal/config"
)

// OpenBroker returns the broker selected by cfg.Driver. The postgres
// driver shares pool; the caller keeps ownership of it.
func OpenBroker(ctx context.Context, cfg config.Broker, pool *sql.DB) (broker.Broker, error) {
	dead := broker.DeadLetters{cfg.Queue: cfg.DeadLetterQueue}

	var (
		b   broker.Broker
		err error
	)
	switch cfg.Driver {
	case config.BrokerAMQP:
		b, err = amqpbroker.Dial(cfg.URL, dead)
	case config.BrokerPostgres:
		b = pgqueue.New(pool, dead, pgqueue.Options{
			PollInterval: cfg.PollInterval,
			Lease:        cfg.Lease,
			MaxAttempts:  cfg.MaxAttempts,
		})
	case config.BrokerMemory:
		slog.Warn("using in-memory broker: queued posts are lost on restart")
		b = broker.NewMemory(dead)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := b.DeclareQueue(ctx, cfg.Queue); err != nil {
		b.Close()
		return nil, err
	}
	slog.Info("broker ready", "driver", cfg.Driver, "queue", cfg.Queue, "dead_letter_queue", cfg.DeadLetterQueue)
	return b, nil
}

// OpenCache returns the cache selected by cfg.Driver. A redis cache that
// cannot be reached yet is returned anyway: reads fall back to the store.
func OpenCache(ctx context.Context, cfg config.Cache) (cache.Store, error) {
	switch cfg.Driver {
	case config.CacheRedis:
		c := cache.NewRedis(cache.RedisOptions{Addr: cfg.Addr(), Password: cfg.Password, DB: cfg.DB})
		if err := c.Ping(ctx); err != nil {
			slog.Warn("redis not reachable, continuing without cache hits", "addr", cfg.Addr(), "error", err)
		} else {
			slog.Info("redis connected", "addr", cfg.Addr())
		}
		return c, nil
	case config.CacheMemory:
		return cache.NewMemory(cfg.MemoryCapacity), nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}
