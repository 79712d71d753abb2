package storage

import (
	"context"
	"fmt"

	"chatpair/backend/internal/config"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open builds the Store selected by cfg.StoreBackend. For the redis backend
// the client is returned too so the caller can publish events over it and
// close it on shutdown; it is nil otherwise.
func Open(ctx context.Context, cfg *config.Config) (Store, *redis.Client, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(rdb), rdb, nil
	case config.StoreDynamoDB:
		client, err := NewDynamoClient(ctx, cfg.DynamoRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, nil, err
		}
		return NewDynamoStore(client, cfg.DynamoTable), nil, nil
	default:
		return NewMemoryStore(), nil, nil
	}
}

// OpenArchive connects to PostgreSQL and migrates the archive tables.
func OpenArchive(dsn string) (*Archive, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	archive := NewArchive(db)
	if err := archive.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return archive, nil
}
