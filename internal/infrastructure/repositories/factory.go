package repositories

import (
	"context"

	"rillcall/internal/core/ports"
	"rillcall/internal/infrastructure/repositories/memory"
	redisrepo "rillcall/internal/infrastructure/repositories/redis"
	"rillcall/internal/infrastructure/repositories/sqlite"
	"rillcall/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support. A backend
// that cannot be opened degrades to memory rather than failing startup.
type RepositoryFactory struct {
	driver      string
	capacity    int
	redisClient *redis.Client
	sqliteRepo  *sqlite.CallRecordRepository
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory opens the configured storage backend.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		driver:   cfg.Storage.Driver,
		capacity: cfg.Storage.Capacity,
		logger:   logger,
	}

	switch cfg.Storage.Driver {
	case config.StorageRedis:
		client, err := redisrepo.NewRedisClient(redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.driver = config.StorageMemory
		} else {
			factory.redisClient = client
		}

	case config.StorageSQLite:
		repo, err := sqlite.Open(cfg.Storage.SQLitePath, cfg.Storage.Capacity, logger)
		if err != nil {
			logger.Warnw("failed to open SQLite database, falling back to memory repositories",
				"path", cfg.Storage.SQLitePath,
				"error", err,
			)
			factory.driver = config.StorageMemory
		} else {
			factory.sqliteRepo = repo
		}

	default:
		factory.driver = config.StorageMemory
	}

	logger.Infow("using call history storage", "driver", factory.driver)
	return factory, nil
}

// Driver reports the backend actually in use after any fallback.
func (f *RepositoryFactory) Driver() string {
	return f.driver
}

// CreateCallRecordRepository creates a call record repository (Redis,
// SQLite or memory with fallback)
func (f *RepositoryFactory) CreateCallRecordRepository() ports.CallRecordRepository {
	switch {
	case f.redisClient != nil:
		return redisrepo.NewRedisCallRecordRepository(f.redisClient, f.capacity)
	case f.sqliteRepo != nil:
		return f.sqliteRepo
	}
	return memory.NewMemoryCallRecordRepository(f.capacity)
}

// Close releases the backend connection, if any.
func (f *RepositoryFactory) Close() error {
	if f.sqliteRepo != nil {
		return f.sqliteRepo.Close()
	}
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks the backend connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	if f.sqliteRepo != nil {
		return f.sqliteRepo.HealthCheck(ctx)
	}
	return nil
}
