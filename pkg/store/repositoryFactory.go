package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/zoff-tech/go-syncengine/pkg/config"
)

// Swapped in tests.
var (
	sqlOpen = sql.Open

	NewSpannerRepositoryFactory = func(client *spanner.Client) Repository {
		return NewSpannerRepository(client)
	}

	connectMongo = func(ctx context.Context, uri string) (*mongo.Client, error) {
		return mongo.Connect(ctx, options.Client().ApplyURI(uri))
	}

	migratePostgres = MigratePostgres
	migrateSpanner  = MigrateSpanner
)

func NewRepository(ctx context.Context, cfg config.DbSettings) (Repository, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryRepository(), nil
	case "sqlite":
		return OpenSqlite(cfg.DSN)
	case "postgres":
		if cfg.Migrate {
			if err := migratePostgres(ctx, cfg.DSN); err != nil {
				return nil, err
			}
		}
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresRepository(db), nil
	case "mongo":
		client, err := connectMongo(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		collection := cfg.Collection
		if collection == "" {
			collection = "sync"
		}
		repo := NewMongoRepository(client, cfg.DBName, collection)
		if cfg.Migrate {
			if err := repo.EnsureIndexes(ctx); err != nil {
				_ = client.Disconnect(ctx)
				return nil, err
			}
		}
		return repo, nil
	case "spanner":
		if cfg.Migrate {
			if err := migrateSpanner(ctx, cfg.URI); err != nil {
				return nil, err
			}
		}
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerRepositoryFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
