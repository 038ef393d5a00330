package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/benvon/picklepal/internal/config"
	"github.com/benvon/picklepal/internal/database"
	"github.com/benvon/picklepal/internal/services/memory"
	"github.com/benvon/picklepal/internal/storage"
)

const storagePrefix = "picklepal:"

// withDB loads the configuration, opens the database and runs fn
func withDB(ctx context.Context, fn func(cfg *config.Config, db *database.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
		}
	}()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return fn(cfg, db)
}

// withContextStore opens the durable store the server writes context to and runs fn
// against a context store over it
func withContextStore(ctx context.Context, fn func(store *memory.Store, db *database.DB) error) error {
	return withDB(ctx, func(cfg *config.Config, db *database.DB) error {
		var kv storage.Store
		switch cfg.StorageBackend {
		case "postgres":
			kv = database.NewKVStore(db)
		case "redis":
			client, err := storage.NewRedisClient(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			defer func() { _ = client.Close() }()
			kv = storage.NewRedisStore(client, storagePrefix)
		default:
			return fmt.Errorf("storage backend %q is process-local and cannot be managed from here", cfg.StorageBackend)
		}
		// Only prune, export and clear run here; none of them embed text
		store := memory.NewStore(memory.NewHashEmbedder(memory.DefaultHashDimension), kv, nil)
		return fn(store, db)
	})
}
