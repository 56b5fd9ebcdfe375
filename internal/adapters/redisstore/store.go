// Package redisstore is the best-effort cache tier for position summaries.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"positionSyncBot/internal/domain"
	"positionSyncBot/internal/ports"
)

const (
	defaultKeyPrefix = "possync:"
	defaultTTL       = 24 * time.Hour
)

// Config holds configuration for the Redis cache.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration // Expiry of each cached summary; zero means 24h
	// DialTimeout bounds connection attempts; zero keeps the client default.
	DialTimeout time.Duration
	Logger      ports.Logger
}

// Store implements ports.StateCache on Redis. Each summary lives under its own key and an
// index set lists the cached strategy IDs.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger ports.Logger
}

// New creates the store. It does not contact Redis; use Ping to check connectivity.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Redis store")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis address is empty", ports.ErrConfigurationError)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	return &Store{client: client, prefix: prefix, ttl: ttl, logger: cfg.Logger}, nil
}

// Ping checks that Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Ping failed: %w: %w", ports.ErrCacheUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(strategyID string) string {
	return s.prefix + "strategy:" + strategyID
}

func (s *Store) indexKey() string {
	return s.prefix + "strategies"
}

// SaveToCache writes the summary and registers it in the index in one transaction.
func (s *Store) SaveToCache(ctx context.Context, strategyID string, state domain.PositionSummary) error {
	op := "SaveToCache"
	data, err := json.Marshal(fromSummary(state))
	if err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(strategyID), data, s.ttl)
		pipe.SAdd(ctx, s.indexKey(), strategyID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrCacheUnavailable, err)
	}
	return nil
}

// DeleteFromCache removes the summary and its index entry in one transaction.
func (s *Store) DeleteFromCache(ctx context.Context, strategyID string) error {
	op := "DeleteFromCache"
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(strategyID))
		pipe.SRem(ctx, s.indexKey(), strategyID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrCacheUnavailable, err)
	}
	return nil
}

// GetCachedStrategy returns nil, nil when the strategy is not cached.
func (s *Store) GetCachedStrategy(ctx context.Context, strategyID string) (*domain.PositionSummary, error) {
	op := "GetCachedStrategy"
	data, err := s.client.Get(ctx, s.key(strategyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrCacheUnavailable, err)
	}
	summary, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w", op, strategyID, err)
	}
	return summary, nil
}

// GetAllCachedStrategies returns every cached summary keyed by strategy ID. Index entries
// whose summary expired are pruned.
func (s *Store) GetAllCachedStrategies(ctx context.Context) (map[string]*domain.PositionSummary, error) {
	op := "GetAllCachedStrategies"
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrCacheUnavailable, err)
	}
	out := make(map[string]*domain.PositionSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrCacheUnavailable, err)
	}

	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		summary, err := decode([]byte(raw))
		if err != nil {
			s.logger.Warn(ctx, op+": skipping undecodable cache entry", map[string]interface{}{"strategyID": ids[i], "error": err.Error()})
			continue
		}
		out[ids[i]] = summary
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			s.logger.Debug(ctx, op+": failed to prune index", map[string]interface{}{"error": err.Error()})
		}
	}
	return out, nil
}
