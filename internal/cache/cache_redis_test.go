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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, string) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	t.Cleanup(mr.Close)

	return mr, fmt.Sprintf("redis://%s", mr.Addr())
}

func TestNewRedisBackend(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T) string
		wantErr    bool
		wantErrMsg string
	}{
		{
			name: "success with valid dsn",
			setup: func(t *testing.T) string {
				_, dsn := setupMiniRedis(t)
				return dsn
			},
		},
		{
			name: "success with database number",
			setup: func(t *testing.T) string {
				_, dsn := setupMiniRedis(t)
				return dsn + "/1"
			},
		},
		{
			name: "success with password",
			setup: func(t *testing.T) string {
				mr, _ := setupMiniRedis(t)
				mr.RequireAuth("secret")
				return fmt.Sprintf("redis://:secret@%s", mr.Addr())
			},
		},
		{
			name: "error with invalid dsn",
			setup: func(t *testing.T) string {
				return "://invalid"
			},
			wantErr:    true,
			wantErrMsg: "parse redis dsn",
		},
		{
			name: "error with invalid database number",
			setup: func(t *testing.T) string {
				_, dsn := setupMiniRedis(t)
				return dsn + "/invalid"
			},
			wantErr:    true,
			wantErrMsg: "parse redis db from dsn",
		},
		{
			name: "error with unreachable redis",
			setup: func(t *testing.T) string {
				return "redis://localhost:1"
			},
			wantErr:    true,
			wantErrMsg: "connect to redis",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := tt.setup(t)

			b, err := NewRedisBackend(context.Background(), dsn)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErrMsg)
				assert.Nil(t, b)
			} else {
				assert.NoError(t, err)
				require.NotNil(t, b)
				assert.NoError(t, b.Close())
			}
		})
	}
}

func TestRedisBackend_LoadEmpty(t *testing.T) {
	_, dsn := setupMiniRedis(t)

	b, err := NewRedisBackend(context.Background(), dsn)
	require.NoError(t, err)
	defer b.Close()

	entries, stats, err := b.Load()

	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, Stats{}, stats)
}

func TestRedisBackend_SaveAndLoadRoundTrip(t *testing.T) {
	_, dsn := setupMiniRedis(t)

	b, err := NewRedisBackend(context.Background(), dsn)
	require.NoError(t, err)
	defer b.Close()

	now := time.Now().Truncate(time.Second)
	entries := map[string]Entry{
		"cert:example.com": {
			Value:       map[string]any{"subject": "example.com"},
			Timestamp:   now,
			TTL:         3600,
			Size:        64,
			AccessCount: 3,
			LastAccess:  now,
		},
	}
	stats := Stats{Entries: 1, CurrentBytes: 64, Hits: 5, Misses: 1}

	require.NoError(t, b.Save(entries, stats))

	gotEntries, gotStats, err := b.Load()

	require.NoError(t, err)
	require.Len(t, gotEntries, 1)
	got := gotEntries["cert:example.com"]
	assert.Equal(t, entries["cert:example.com"].TTL, got.TTL)
	assert.Equal(t, entries["cert:example.com"].Size, got.Size)
	assert.Equal(t, stats, gotStats)
}

func TestRedisBackend_LoadDecodeError(t *testing.T) {
	mr, dsn := setupMiniRedis(t)

	require.NoError(t, mr.Set(redisKey, "not-json"))

	b, err := NewRedisBackend(context.Background(), dsn)
	require.NoError(t, err)
	defer b.Close()

	entries, _, err := b.Load()

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "decode redis cache blob")
	assert.Nil(t, entries)
}

func TestRedisBackend_Close(t *testing.T) {
	_, dsn := setupMiniRedis(t)

	b, err := NewRedisBackend(context.Background(), dsn)
	require.NoError(t, err)

	assert.NoError(t, b.Close())
}
