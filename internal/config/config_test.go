package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/webhooks")
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" || cfg.StoreDriver != DriverPostgres || cfg.NumWorkers != 50 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.RetryBaseDelay != 30*time.Second || cfg.RetryMaxDelay != time.Hour {
		t.Errorf("retry delays = %v/%v", cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("log level = %v", cfg.LogLevel)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Mongo")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("NUM_WORKERS", "8")
	t.Setenv("SWEEP_INTERVAL", "2s")
	t.Setenv("PENDING_RECOVERY_AGE", "90")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StoreDriver != DriverMongo || cfg.MongoDatabase != "webhooks" || cfg.NumWorkers != 8 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.SweepInterval != 2*time.Second || cfg.PendingRecoveryAge != 90*time.Second {
		t.Errorf("durations = %v/%v", cfg.SweepInterval, cfg.PendingRecoveryAge)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("log level = %v", cfg.LogLevel)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing database url", map[string]string{"REDIS_URL": "redis://x"}},
		{"missing mongo uri", map[string]string{"STORE_DRIVER": "mongo", "REDIS_URL": "redis://x"}},
		{"unknown driver", map[string]string{"STORE_DRIVER": "sqlite", "REDIS_URL": "redis://x"}},
		{"missing redis", map[string]string{"STORE_DRIVER": "memory"}},
		{"bad log level", map[string]string{"STORE_DRIVER": "memory", "REDIS_URL": "redis://x", "LOG_LEVEL": "loud"}},
		{"inverted retry delays", map[string]string{"STORE_DRIVER": "memory", "REDIS_URL": "redis://x", "RETRY_BASE_DELAY": "2h"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"STORE_DRIVER", "DATABASE_URL", "MONGO_URI", "REDIS_URL", "LOG_LEVEL", "RETRY_BASE_DELAY"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
