package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"

	"dmrelay/cmd/internal/accounts"
	"dmrelay/cmd/internal/relay"
)

// backend bundles the relay and account stores of one persistence choice.
// The app owns the pool or client; the stores' Close methods are no-ops.
type backend struct {
	kind     string
	relay    relay.Store
	accounts accounts.Store

	pool  *pgxpool.Pool
	mongo *mongo.Client

	pgRelay    *relay.PostgresStore
	pgAccounts *accounts.PostgresStore
	mgRelay    *relay.MongoStore
	mgAccounts *accounts.MongoStore
}

func openBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch kind := cfg.StoreKind(); kind {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		rs, err := relay.NewPostgresStore(pool, relay.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		as, err := accounts.NewPostgresStore(pool, cfg.DBSchema)
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("store.enabled", "kind", kind, "schema", cfg.DBSchema)
		return &backend{kind: kind, relay: rs, accounts: as, pool: pool, pgRelay: rs, pgAccounts: as}, nil

	case StoreMongo:
		client, err := NewMongoClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		db := client.Database(cfg.MongoDatabase)
		rs, err := relay.NewMongoStore(db)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		as, err := accounts.NewMongoStore(db)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		log.Info("store.enabled", "kind", kind, "database", cfg.MongoDatabase)
		return &backend{kind: kind, relay: rs, accounts: as, mongo: client, mgRelay: rs, mgAccounts: as}, nil

	default:
		log.Info("store.enabled", "kind", StoreMemory)
		return &backend{kind: StoreMemory, relay: relay.NewMemoryStore(), accounts: accounts.NewMemoryStore()}, nil
	}
}

// persistent reports whether data survives a restart.
func (b *backend) persistent() bool { return b.kind != StoreMemory }

// migrate applies schemas (postgres) or indexes (mongo). Memory is a no-op.
func (b *backend) migrate(ctx context.Context) error {
	switch b.kind {
	case StorePostgres:
		if err := b.pgRelay.Migrate(ctx); err != nil {
			return err
		}
		return b.pgAccounts.Migrate(ctx)
	case StoreMongo:
		if err := b.mgRelay.EnsureIndexes(ctx); err != nil {
			return err
		}
		return b.mgAccounts.EnsureIndexes(ctx)
	}
	return nil
}

func (b *backend) ping(ctx context.Context) error {
	return b.relay.Ping(ctx)
}

func (b *backend) close(ctx context.Context) error {
	var errs []error
	if b.relay != nil {
		errs = append(errs, b.relay.Close())
	}
	if b.pool != nil {
		b.pool.Close()
	}
	if b.mongo != nil {
		errs = append(errs, b.mongo.Disconnect(ctx))
	}
	return errors.Join(errs...)
}
