// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kv

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a pooled Redis client. Lists are modeled as
// Redis lists (RPUSH/LRANGE/LPOP), sets as Redis sets (SADD/SMEMBERS),
// scalars as plain string keys, and pub/sub as native Redis pub/sub.
type Redis struct {
	cli *redis.Client
}

// NewRedis dials addr (host:port) and returns a Store. The connection is
// pooled by the underlying client; NewRedis does not block on a ping.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{cli: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func wrap(err error, op string) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return errors.Wrapf(ErrUnavailable, "%s: %v", op, err)
}

func (r *Redis) GetString(ctx context.Context, key string) (string, error) {
	v, err := r.cli.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", wrap(err, "get")
	}
	return v, nil
}

func (r *Redis) SetString(ctx context.Context, key, val string) error {
	return wrap(r.cli.Set(ctx, key, val, 0).Err(), "set")
}

func (r *Redis) GetInt(ctx context.Context, key string) (int64, error) {
	v, err := r.cli.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap(err, "get")
	}
	return v, nil
}

func (r *Redis) SetInt(ctx context.Context, key string, val int64) error {
	return wrap(r.cli.Set(ctx, key, val, 0).Err(), "set")
}

func (r *Redis) GetBool(ctx context.Context, key string) (bool, error) {
	v, err := r.GetString(ctx, key)
	if err != nil {
		return false, err
	}
	return v == "1" || v == "true", nil
}

func (r *Redis) SetBool(ctx context.Context, key string, val bool) error {
	if val {
		return r.SetString(ctx, key, "1")
	}
	return r.SetString(ctx, key, "0")
}

func (r *Redis) Del(ctx context.Context, key string) error {
	return wrap(r.cli.Del(ctx, key).Err(), "del")
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.cli.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap(err, "exists")
	}
	return n > 0, nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.cli.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrap(err, "incr")
	}
	return n, nil
}

func (r *Redis) ListPush(ctx context.Context, key string, vals ...string) error {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return wrap(r.cli.RPush(ctx, key, args...).Err(), "rpush")
}

func (r *Redis) ListRange(ctx context.Context, key string) ([]string, error) {
	v, err := r.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, wrap(err, "lrange")
	}
	return v, nil
}

func (r *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := r.cli.LLen(ctx, key).Result()
	if err != nil {
		return 0, wrap(err, "llen")
	}
	return n, nil
}

func (r *Redis) ListRem(ctx context.Context, key, val string) error {
	return wrap(r.cli.LRem(ctx, key, 0, val).Err(), "lrem")
}

func (r *Redis) ListPopFront(ctx context.Context, key string) (string, bool, error) {
	v, err := r.cli.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err, "lpop")
	}
	return v, true, nil
}

func (r *Redis) SetAdd(ctx context.Context, key string, vals ...string) error {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return wrap(r.cli.SAdd(ctx, key, args...).Err(), "sadd")
}

func (r *Redis) SetRem(ctx context.Context, key string, vals ...string) error {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return wrap(r.cli.SRem(ctx, key, args...).Err(), "srem")
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	v, err := r.cli.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrap(err, "smembers")
	}
	return v, nil
}

func (r *Redis) SetIsMember(ctx context.Context, key, val string) (bool, error) {
	v, err := r.cli.SIsMember(ctx, key, val).Result()
	if err != nil {
		return false, wrap(err, "sismember")
	}
	return v, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return wrap(r.cli.Persist(ctx, key).Err(), "persist")
	}
	return wrap(r.cli.Expire(ctx, key, ttl).Err(), "expire")
}

func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	return wrap(r.cli.Publish(ctx, channel, payload).Err(), "publish")
}

type redisSub struct {
	ps *redis.PubSub
}

func (s *redisSub) Receive(ctx context.Context) (Message, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return Message{}, wrap(err, "receive")
	}
	return Message{Channel: msg.Channel, Payload: msg.Payload}, nil
}

func (s *redisSub) Close() error {
	return s.ps.Close()
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.cli.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrap(err, "subscribe")
	}
	return &redisSub{ps: ps}, nil
}

func (r *Redis) Close() error {
	return r.cli.Close()
}
