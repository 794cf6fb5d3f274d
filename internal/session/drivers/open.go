// Package drivers opens the session store selected in configuration.
package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/clibridge/internal/config"
	"github.com/memohai/clibridge/internal/session"
	"github.com/memohai/clibridge/internal/session/drivers/badgerdb"
	"github.com/memohai/clibridge/internal/session/drivers/file"
	"github.com/memohai/clibridge/internal/session/drivers/memory"
	"github.com/memohai/clibridge/internal/session/drivers/redis"
)

// Open returns the store for cfg.Driver.
func Open(ctx context.Context, log *slog.Logger, cfg config.SessionsConfig) (session.Store, error) {
	maxAuto := cfg.MaxAutoSessions
	if maxAuto <= 0 {
		maxAuto = config.DefaultMaxAutoSessions
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log.Info("opening session store", slog.String("driver", driver), slog.Int("max_auto_sessions", maxAuto))

	switch driver {
	case "", "file":
		return file.New(log, cfg.Path, maxAuto), nil
	case "memory":
		return memory.New(maxAuto), nil
	case "badger", "badgerdb":
		return badgerdb.Open(log, cfg.BadgerDir, maxAuto)
	case "redis":
		return redis.Open(ctx, log, cfg.Redis, maxAuto)
	default:
		return nil, fmt.Errorf("unknown session driver %q", cfg.Driver)
	}
}
