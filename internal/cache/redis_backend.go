/*
Copyright © 2025 Denis Khalturin
All rights reserved.

Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are met:

1. Redistributions of source code must retain the above copyright notice,
   this list of conditions and the following disclaimer.

2. Redistributions in binary form must reproduce the above copyright notice,
   this list of conditions and the following disclaimer in the documentation
   and/or other materials provided with the distribution.

3. Neither the name of the copyright holder nor the names of its contributors
   may be used to endorse or promote products derived from this software
   without specific prior written permission.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
POSSIBILITY OF SUCH DAMAGE.
*/
// prettier-ignore-end

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// redisKey is the single key under which the whole snapshot is stored. The
// cache is small enough (parsed certificate metadata, not certificate
// bytes) that one blob per instance is simpler than per-entry hashes and
// keeps Load/Save atomic.
const redisKey = "tlscertmonitor:cache"

// RedisBackend persists the cache snapshot as one JSON blob in Redis.
//
// dsn follows redis://[:password@]host:port/db, mirroring the DSN grammar
// used elsewhere in this codebase for database connections.
type RedisBackend struct {
	ctx    context.Context
	client *redis.Client
}

// NewRedisBackend parses dsn and opens a client, verifying connectivity
// with a Ping before returning.
func NewRedisBackend(ctx context.Context, dsn string) (*RedisBackend, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}

	opts := &redis.Options{Addr: u.Host}

	if u.User != nil {
		if password, ok := u.User.Password(); ok {
			opts.Password = password
		}
	}

	if len(u.Path) > 1 {
		db, err := strconv.Atoi(u.Path[1:])
		if err != nil {
			return nil, fmt.Errorf("parse redis db from dsn: %w", err)
		}
		opts.DB = db
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisBackend{ctx: ctx, client: client}, nil
}

// Load fetches and decodes the snapshot blob. A missing key is treated as
// an empty cache rather than an error.
func (b *RedisBackend) Load() (map[string]Entry, Stats, error) {
	raw, err := b.client.Get(b.ctx, redisKey).Bytes()
	if err == redis.Nil {
		return map[string]Entry{}, Stats{}, nil
	}
	if err != nil {
		return nil, Stats{}, fmt.Errorf("get redis cache blob: %w", err)
	}

	var snap diskSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, Stats{}, fmt.Errorf("decode redis cache blob: %w", err)
	}

	if snap.Entries == nil {
		snap.Entries = map[string]Entry{}
	}

	return snap.Entries, snap.Stats, nil
}

// Save writes the snapshot blob with no expiration; the cache's own TTL
// bookkeeping governs entry lifetime, not Redis's.
func (b *RedisBackend) Save(entries map[string]Entry, stats Stats) error {
	data, err := json.Marshal(diskSnapshot{Entries: entries, Stats: stats})
	if err != nil {
		return fmt.Errorf("encode redis cache blob: %w", err)
	}

	if err := b.client.Set(b.ctx, redisKey, data, 0).Err(); err != nil {
		return fmt.Errorf("set redis cache blob: %w", err)
	}

	return nil
}

// Close releases the underlying Redis client connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
