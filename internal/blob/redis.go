// Copyright 2025 Tom Barlow
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

package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "bg:blob:"
	refScheme = "redis://"
)

// RedisStore keeps zstd-compressed payloads in Redis with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to url and verifies the connection.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// Put stores data under a fresh key.
func (s *RedisStore) Put(ctx context.Context, data []byte) (string, error) {
	key := keyPrefix + uuid.NewString()
	if err := s.client.Set(ctx, key, compress(data), s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	return refScheme + key, nil
}

// Get loads and decompresses a payload.
func (s *RedisStore) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := keyFromRef(ref)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("load blob: %w", err)
	}
	return decompress(raw)
}

// Delete removes a payload.
func (s *RedisStore) Delete(ctx context.Context, ref string) error {
	key, err := keyFromRef(ref)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func keyFromRef(ref string) (string, error) {
	key, ok := strings.CutPrefix(ref, refScheme)
	if !ok || !strings.HasPrefix(key, keyPrefix) {
		return "", fmt.Errorf("invalid blob reference %q", ref)
	}
	return key, nil
}
