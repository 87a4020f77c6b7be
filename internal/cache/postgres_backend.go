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
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"tlscertmonitor/internal/cache/migrations"
)

// PostgresBackend persists cache entries one row per key in a
// migration-managed cache_entries table.
type PostgresBackend struct {
	ctx context.Context
	db  *sql.DB
}

// NewPostgresBackend opens dsn, verifies connectivity, and applies the
// cache_entries schema migration.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres dsn: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := migrations.Up(db); err != nil {
		return nil, fmt.Errorf("run cache migrations: %w", err)
	}

	return &PostgresBackend{ctx: ctx, db: db}, nil
}

// Load reads every row of cache_entries back into the in-memory map.
// Stats are not persisted in Postgres; the returned Stats is always zero
// and accumulates fresh for the process lifetime.
func (b *PostgresBackend) Load() (map[string]Entry, Stats, error) {
	rows, err := b.db.QueryContext(b.ctx,
		`SELECT key, value, created_at, ttl_seconds, size_bytes, access_count, last_access FROM cache_entries`)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("query cache_entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]Entry)

	for rows.Next() {
		var (
			key      string
			rawValue []byte
			entry    Entry
		)

		if err := rows.Scan(&key, &rawValue, &entry.Timestamp, &entry.TTL, &entry.Size, &entry.AccessCount, &entry.LastAccess); err != nil {
			return nil, Stats{}, fmt.Errorf("scan cache_entries row: %w", err)
		}

		if err := json.Unmarshal(rawValue, &entry.Value); err != nil {
			return nil, Stats{}, fmt.Errorf("decode cache_entries value for %s: %w", key, err)
		}

		entries[key] = entry
	}

	if err := rows.Err(); err != nil {
		return nil, Stats{}, fmt.Errorf("iterate cache_entries: %w", err)
	}

	return entries, Stats{}, nil
}

// Save replaces the whole table contents with entries, inside a single
// transaction so a concurrent reader never observes a half-written table.
func (b *PostgresBackend) Save(entries map[string]Entry, _ Stats) error {
	tx, err := b.db.BeginTx(b.ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if _, err := tx.ExecContext(b.ctx, `TRUNCATE cache_entries`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("truncate cache_entries: %w", err)
	}

	const q = `
INSERT INTO cache_entries (key, value, created_at, ttl_seconds, size_bytes, access_count, last_access)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	stmt, err := tx.PrepareContext(b.ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for key, entry := range entries {
		rawValue, err := json.Marshal(entry.Value)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode value for %s: %w", key, err)
		}

		if _, err := stmt.ExecContext(b.ctx, key, rawValue, entry.Timestamp, entry.TTL, entry.Size, entry.AccessCount, entry.LastAccess); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert cache_entries row %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// Close releases the database connection pool.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
