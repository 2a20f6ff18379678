package main

import (
	"context"
	"fmt"

	"github.com/issuegraph/issuegraph/internal/config"
	"github.com/issuegraph/issuegraph/internal/storage"
	"github.com/sirupsen/logrus"
)

// openStore opens the configured backend and runs migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Storage.Type {
	case "postgres":
		store, err = storage.NewPostgresStore(cfg.Storage.PostgresDSN, logger)
	case "sqlite", "":
		store, err = storage.NewSQLiteStore(cfg.Storage.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unknown storage type %q (want postgres or sqlite)", cfg.Storage.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return store, nil
}
