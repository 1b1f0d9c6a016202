package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "rillcall:schema:version"
	currentSchemaVersion = 2
)

// Migration represents a keyspace migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
	Down    func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// 1: call records as JSON plus the recent index.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				return nil
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				if err := client.Del(ctx, recentIndexKey).Err(); err != nil {
					return err
				}
				return deleteByPattern(ctx, client, callKeyPrefix+"*")
			},
		},
		{
			// 2: per-peer indexes, rebuilt from the stored records.
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				return rebuildPeerIndexes(ctx, client)
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				return deleteByPattern(ctx, client, peerIndexPrefix+"*")
			},
		},
	}
}

func rebuildPeerIndexes(ctx context.Context, client *redis.Client) error {
	ids, err := client.ZRange(ctx, recentIndexKey, 0, -1).Result()
	if err != nil {
		return err
	}
	repo := &RedisCallRecordRepository{client: client}
	for _, id := range ids {
		record, err := repo.get(ctx, id)
		if err != nil {
			continue
		}
		member := redis.Z{Score: score(record.EndedAt), Member: id}
		if err := client.ZAdd(ctx, peerIndexKey(record.PeerID), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

func deleteByPattern(ctx context.Context, client *redis.Client, pattern string) error {
	iter := client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
