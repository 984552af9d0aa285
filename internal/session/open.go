// Package session selects the conversation repository backend.
package session

import (
	"context"
	"fmt"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/config"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/session/filestore"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/session/memstore"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/session/postgresstore"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/session/sqlitestore"
)

// Open builds the repository named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (conversation.Repository, error) {
	switch cfg.Driver {
	case "", config.StoreMemory:
		return memstore.New(), nil
	case config.StoreFile:
		return filestore.New(cfg.Dir)
	case config.StoreSQLite:
		return sqlitestore.Open(cfg.DSN)
	case config.StorePostgres:
		return postgresstore.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
