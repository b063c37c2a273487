// Package backend opens the presence store selected in the configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"tools.zach/dev/presenced/internal/config"
	"tools.zach/dev/presenced/internal/paths"
	"tools.zach/dev/presenced/internal/store"
	"tools.zach/dev/presenced/internal/store/filestore"
	"tools.zach/dev/presenced/internal/store/natskv"
	"tools.zach/dev/presenced/internal/store/sqlitestore"
)

// Open returns the store for cfg. Relative file and database paths resolve
// against dataDir.
func Open(ctx context.Context, cfg config.StoreConfig, dataDir paths.DataDir) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		slog.Warn("using in-memory presence store; records are not shared")
		return store.NewMemory(), nil

	case config.BackendNATS:
		nc := natskv.DefaultConfig()
		nc.URL = cfg.NATS.URL
		nc.User = cfg.NATS.User
		nc.Password = cfg.NATS.Password
		nc.Bucket = cfg.NATS.Bucket
		s, err := natskv.Open(ctx, nc)
		if err != nil {
			return nil, err
		}
		slog.Info("presence store opened", "backend", cfg.Backend, "bucket", nc.Bucket)
		return s, nil

	case config.BackendFile:
		dir := dataDir.Resolve(cfg.File.Dir)
		s, err := filestore.Open(dir)
		if err != nil {
			return nil, err
		}
		slog.Info("presence store opened", "backend", cfg.Backend, "dir", dir)
		return s, nil

	case config.BackendSQLite:
		path := dataDir.Resolve(cfg.SQLite.Path)
		s, err := sqlitestore.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		slog.Info("presence store opened", "backend", cfg.Backend, "path", path)
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
