package config_test

import (
	"testing"
	"time"

	"github.com/Iriptembl/allin/internal/config"
)

func TestLoadAPIDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "PG_STRING", "DATABASE_URL", "MIGRATE_ON_START", "QUEUE_NAME", "DEAD_LETTER_QUEUE", "BROKER_DRIVER", "CACHE_DRIVER"} {
		t.Setenv(k, "")
	}

	cfg := config.LoadAPI()

	if cfg.Port != 5001 {
		t.Errorf("port = %d, want 5001", cfg.Port)
	}
	if cfg.Broker.Queue != "adding" {
		t.Errorf("queue = %q, want adding", cfg.Broker.Queue)
	}
	if cfg.Broker.DeadLetterQueue != "adding.dead" {
		t.Errorf("dead letter queue = %q, want adding.dead", cfg.Broker.DeadLetterQueue)
	}
	if cfg.Broker.Driver != config.BrokerAMQP {
		t.Errorf("broker driver = %q, want amqp", cfg.Broker.Driver)
	}
	if cfg.Cache.Driver != config.CacheRedis {
		t.Errorf("cache driver = %q, want redis", cfg.Cache.Driver)
	}
	if cfg.Worker.Broker.Queue != cfg.Broker.Queue {
		t.Errorf("embedded worker queue = %q, want %q", cfg.Worker.Broker.Queue, cfg.Broker.Queue)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadBasePrefersPGString(t *testing.T) {
	t.Setenv("PG_STRING", "postgres://pg-string")
	t.Setenv("DATABASE_URL", "postgres://database-url")

	if got := config.LoadBase(1).DatabaseURL; got != "postgres://pg-string" {
		t.Errorf("dsn = %q, want PG_STRING value", got)
	}
}

func TestCacheAddr(t *testing.T) {
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")

	if got := config.LoadCache().Addr(); got != "cache.internal:6380" {
		t.Errorf("addr = %q", got)
	}
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("X_INT", "abc")
	t.Setenv("X_DUR", "soon")
	t.Setenv("X_BOOL", "maybe")

	if got := config.GetEnvInt("X_INT", 7); got != 7 {
		t.Errorf("GetEnvInt = %d, want 7", got)
	}
	if got := config.GetEnvDuration("X_DUR", time.Second); got != time.Second {
		t.Errorf("GetEnvDuration = %v, want 1s", got)
	}
	if got := config.GetEnvBool("X_BOOL", true); !got {
		t.Errorf("GetEnvBool = false, want fallback true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.API)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*config.API) {}},
		{name: "unknown broker", mutate: func(c *config.API) { c.Broker.Driver = "kafka" }, wantErr: true},
		{name: "unknown cache", mutate: func(c *config.API) { c.Cache.Driver = "memcached" }, wantErr: true},
		{name: "dead letter equals queue", mutate: func(c *config.API) { c.Broker.DeadLetterQueue = c.Broker.Queue }, wantErr: true},
		{name: "zero timeout", mutate: func(c *config.API) { c.RequestTimeout = 0 }, wantErr: true},
		{name: "zero list cap", mutate: func(c *config.API) { c.ListMaxLimit = 0 }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *config.API) { c.Worker.Concurrency = 0 }, wantErr: true},
		{
			name: "zero concurrency ignored when worker disabled",
			mutate: func(c *config.API) {
				c.Worker.Enabled = false
				c.Worker.Concurrency = 0
			},
		},
		{name: "memory cache", mutate: func(c *config.API) { c.Cache.Driver = config.CacheMemory }},
		{
			name: "postgres broker needs lease",
			mutate: func(c *config.API) {
				c.Broker.Driver = config.BrokerPostgres
				c.Broker.Lease = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.LoadAPI()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDatabaseURL(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		migrate bool
		wantErr bool
	}{
		{"url with migrations", "postgres://u:p@db:5432/allin", true, false},
		{"postgresql scheme", "postgresql://u:p@db/allin", true, false},
		{"key/value with migrations", "host=db user=u dbname=allin", true, true},
		{"key/value without migrations", "host=db user=u dbname=allin", false, false},
		{"empty", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.LoadAPI()
			cfg.DatabaseURL = tt.dsn
			cfg.MigrateOnUp = tt.migrate
			cfg.Worker.Base = cfg.Base
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadWorkerMaxAttempts(t *testing.T) {
	t.Setenv("WORKER_MAX_ATTEMPTS", "3")
	if got := config.LoadWorker().MaxAttempts; got != 3 {
		t.Errorf("max attempts = %d, want 3", got)
	}

	cfg := config.LoadAPI()
	cfg.Worker.MaxAttempts = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative max attempts should not validate")
	}
}
