// Package redis stores sessions in Redis. Auto-session insertion order is kept
// in a list so the oldest entry can be evicted once the table is full.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/memohai/clibridge/internal/config"
	"github.com/memohai/clibridge/internal/session"
)

// Store is a Redis backed session store.
type Store struct {
	client  *redis.Client
	prefix  string
	maxAuto int
	logger  *slog.Logger
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, log *slog.Logger, cfg config.RedisConfig, maxAuto int) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	log.Debug("connected to redis", slog.String("addr", cfg.Addr), slog.Int("db", cfg.DB))
	return &Store{
		client:  client,
		prefix:  cfg.Prefix,
		maxAuto: maxAuto,
		logger:  log.With(slog.String("driver", "redis")),
	}, nil
}

func (s *Store) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *Store) autoKey(hash string) string  { return s.prefix + "auto:" + hash }
func (s *Store) orderKey() string            { return s.prefix + "auto-order" }

func (s *Store) Get(ctx context.Context, conversationID string) (session.Entry, error) {
	return s.get(ctx, s.sessionKey(conversationID))
}

func (s *Store) Set(ctx context.Context, conversationID string, entry session.Entry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.sessionKey(conversationID), data, 0).Err()
}

func (s *Store) Delete(ctx context.Context, conversationID string) error {
	return s.client.Del(ctx, s.sessionKey(conversationID)).Err()
}

func (s *Store) FindAuto(ctx context.Context, hash string) (session.Entry, error) {
	return s.get(ctx, s.autoKey(hash))
}

func (s *Store) SaveAuto(ctx context.Context, hash string, entry session.Entry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return err
	}
	key := s.autoKey(hash)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return s.client.Set(ctx, key, data, 0).Err()
	}

	var length *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		length = pipe.RPush(ctx, s.orderKey(), hash)
		return nil
	})
	if err != nil {
		return err
	}
	if s.maxAuto <= 0 {
		return nil
	}
	for n := length.Val(); n > int64(s.maxAuto); n-- {
		oldest, err := s.client.LPop(ctx, s.orderKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		if err := s.client.Del(ctx, s.autoKey(oldest)).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) get(ctx context.Context, key string) (session.Entry, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.Entry{}, session.ErrNotFound
		}
		return session.Entry{}, err
	}
	var entry session.Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return session.Entry{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return entry, nil
}
