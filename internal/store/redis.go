package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/codeassist/internal/history"
)

const (
	keyPrefix = "codeassist:chat:"
	indexKey  = "codeassist:chats"
)

// Redis archives each conversation as one chat document under a key.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to redisURL. A zero ttl keeps conversations forever.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis connected", zap.String("addr", opts.Addr))
	return &Redis{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func (r *Redis) Save(ctx context.Context, conversation string, entries []history.Entry) error {
	if err := history.ValidateConversation(conversation); err != nil {
		return err
	}
	data, err := history.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal chat: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keyPrefix+conversation, data, r.ttl)
		p.SAdd(ctx, indexKey, conversation)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", conversation, err)
	}
	r.logger.Debug("chat archived",
		zap.String("conversation", conversation),
		zap.Int("entries", len(entries)))
	return nil
}

func (r *Redis) Load(ctx context.Context, conversation string) ([]history.Entry, error) {
	if err := history.ValidateConversation(conversation); err != nil {
		return nil, err
	}
	data, err := r.rdb.Get(ctx, keyPrefix+conversation).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, conversation)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", conversation, err)
	}
	return history.Unmarshal(data)
}

func (r *Redis) Delete(ctx context.Context, conversation string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keyPrefix+conversation)
		p.SRem(ctx, indexKey, conversation)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", conversation, err)
	}
	return nil
}

// List returns ids whose documents still exist. Index members whose key
// expired are pruned.
func (r *Redis) List(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	live := ids[:0]
	for _, id := range ids {
		n, err := r.rdb.Exists(ctx, keyPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("list chats: %w", err)
		}
		if n == 0 {
			r.rdb.SRem(ctx, indexKey, id)
			continue
		}
		live = append(live, id)
	}
	sort.Strings(live)
	return live, nil
}

// Close shuts down the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
