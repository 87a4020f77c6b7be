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
	"fmt"
	"time"
)

// Config is the subset of the application configuration the cache factory
// needs. It mirrors the cache_* keys of the top-level Config struct.
type Config struct {
	Type    string // memory, file, both, redis, postgres
	Dir     string
	TTL     time.Duration
	MaxSize int
	DSN     string // redis/postgres connection string
}

// NewFromConfig builds a Cache wired to the backend named by cfg.Type.
// Extra options (e.g. WithValueDecoder) are applied after the backend is
// chosen.
func NewFromConfig(ctx context.Context, cfg Config, extra ...Option) (*Cache, error) {
	opts := []Option{
		WithDefaultTTL(cfg.TTL),
		WithMaxBytes(cfg.MaxSize),
	}

	switch cfg.Type {
	case "", "memory":
		// no backend: pure in-memory cache

	case "file", "both":
		backend, err := NewFileBackend(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("init file cache backend: %w", err)
		}
		opts = append(opts, WithBackend(backend))

	case "redis":
		backend, err := NewRedisBackend(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("init redis cache backend: %w", err)
		}
		opts = append(opts, WithBackend(backend))

	case "postgres":
		backend, err := NewPostgresBackend(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres cache backend: %w", err)
		}
		opts = append(opts, WithBackend(backend))

	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}

	opts = append(opts, extra...)

	return New(opts...)
}
