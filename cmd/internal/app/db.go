package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// connectTimeout bounds the first ping of every backing store.
const connectTimeout = 3 * time.Second

func within(parent context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()
	return fn(ctx)
}

// NewDBPool opens the session store pool. Migrations are separate
// (session.Migrate, or `relay migrate`).
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	pcfg.MinConns = max(cfg.DBMinConns, 0)

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := PingDB(ctx, pool, connectTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return pool, nil
}

// PingDB acquires and releases one pooled connection.
func PingDB(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	return within(ctx, timeout, func(ctx context.Context) error {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return err
		}
		conn.Release()
		return nil
	})
}

// NewMongoClient connects to cfg.MongoURI and verifies the primary is reachable.
func NewMongoClient(ctx context.Context, cfg Config) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI).SetConnectTimeout(connectTimeout))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := PingMongo(ctx, client, connectTimeout); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: %w", err)
	}
	return client, nil
}

func PingMongo(ctx context.Context, client *mongo.Client, timeout time.Duration) error {
	return within(ctx, timeout, func(ctx context.Context) error {
		return client.Ping(ctx, readpref.Primary())
	})
}

// NewRedisClient parses cfg.RedisURL and verifies connectivity.
func NewRedisClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := PingRedis(ctx, rdb, connectTimeout); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rdb, nil
}

func PingRedis(ctx context.Context, rdb *redis.Client, timeout time.Duration) error {
	return within(ctx, timeout, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
}
