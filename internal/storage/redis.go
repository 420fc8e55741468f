package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "busping/pkg/logx"

	"github.com/redis/go-redis/v9"
)

const redisMaxTxRetries = 16

// redisStore maps (bucket, key) to the string key "busping:<bucket>:<key>".
// Update uses WATCH/MULTI and retries when another writer touched the key.
type redisStore struct {
	rdb    redis.UniversalClient
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for redis driver")
	}
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.dsn: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return newRedis(rdb, log), nil
}

func newRedis(rdb redis.UniversalClient, log logx.Logger) *redisStore {
	return &redisStore{rdb: rdb, prefix: "busping", log: log}
}

func (s *redisStore) key(bucket, key string) string {
	return s.prefix + ":" + bucket + ":" + key
}

func (s *redisStore) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(bucket, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *redisStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	return s.rdb.Set(ctx, s.key(bucket, key), value, 0).Err()
}

func (s *redisStore) Delete(ctx context.Context, bucket, key string) error {
	return s.rdb.Del(ctx, s.key(bucket, key)).Err()
}

func (s *redisStore) Update(ctx context.Context, bucket, key string, fn UpdateFunc) error {
	k := s.key(bucket, key)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		ok := true
		if errors.Is(err, redis.Nil) {
			cur, ok, err = nil, false, nil
		}
		if err != nil {
			return err
		}
		next, write, err := applyUpdate(fn, cur, ok)
		if err != nil || !write {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, k)
			} else {
				pipe.Set(ctx, k, next, 0)
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			s.log.Debug("redis update conflict; retrying", logx.String("bucket", bucket), logx.Int("attempt", i+1))
			continue
		}
		return err
	}
	return fmt.Errorf("redis update %s: too many conflicts", bucket)
}

func (s *redisStore) Close() error { return s.rdb.Close() }
