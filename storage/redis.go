package storage

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/arcwire/mqttbroker/session"
)

type redisKV struct {
	client *redis.Client
	ctx    context.Context
}

// OpenRedis connects to a redis instance at addr and returns a
// session.Persistence backed by it. Keys live under the "mqttbroker:" prefix
// so the database can be shared with other uses.
func OpenRedis(addr string) (session.Persistence, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &store{kv: &redisKV{client: client, ctx: ctx}}, nil
}

func (r *redisKV) namespaced(key string) string {
	return "mqttbroker:" + key
}

func (r *redisKV) get(key string) ([]byte, error) {
	v, err := r.client.Get(r.ctx, r.namespaced(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *redisKV) set(key string, value []byte) error {
	return r.client.Set(r.ctx, r.namespaced(key), value, 0).Err()
}

func (r *redisKV) delete(key string) error {
	return r.client.Del(r.ctx, r.namespaced(key)).Err()
}

func (r *redisKV) iterate(prefix string, visit func([]byte) error) error {
	pattern := r.namespaced(prefix) + "*"
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(r.ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			v, err := r.client.Get(r.ctx, k).Bytes()
			if err != nil {
				continue
			}
			if err := visit(v); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

func (r *redisKV) close() error {
	return r.client.Close()
}
