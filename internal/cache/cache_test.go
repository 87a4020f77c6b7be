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
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordStub stands in for certutil.Record so this test doesn't need to
// import certutil: a struct value loses its concrete type across a JSON
// round trip the same way a *certutil.Record does.
type recordStub struct {
	CommonName string `json:"common_name"`
}

func decodeRecordStub(raw json.RawMessage) (any, error) {
	var r recordStub
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode record stub: %w", err)
	}
	return &r, nil
}

func TestCache_SetGet(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	c.Set("a", "hello", time.Minute)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "hello", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	c.Set("a", "hello", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("a")
	assert.False(t, ok, "entry should have expired")
}

func TestCache_Delete(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	c.Set("a", 1, time.Minute)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_Clear(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Clear()

	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCache_CleanupExpired(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	c.Set("a", 1, time.Millisecond)
	c.Set("b", 2, time.Hour)
	time.Sleep(5 * time.Millisecond)

	removed := c.CleanupExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestCache_LRUEviction(t *testing.T) {
	c, err := New(WithMaxBytes(20))
	require.NoError(t, err)

	c.Set("a", "first-value", time.Hour)
	c.Set("b", "second-value", time.Hour)

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should be evicted once the byte budget is exceeded")

	_, ok = c.Get("b")
	assert.True(t, ok)

	stats := c.Stats()
	assert.LessOrEqual(t, stats.CurrentBytes, stats.MaxBytes)
}

func TestCache_Set_RejectsValueLargerThanMaxBytes(t *testing.T) {
	c, err := New(WithMaxBytes(1))
	require.NoError(t, err)

	c.Set("a", "this value is far larger than the one byte budget", time.Hour)

	_, ok := c.Get("a")
	assert.False(t, ok, "oversized value must be rejected, not admitted after evicting everything else")

	stats := c.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.LessOrEqual(t, stats.CurrentBytes, stats.MaxBytes)
}

func TestCache_Stats(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	c.Set("a", 1, time.Minute)

	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
}

func TestCache_MakeKey_Deterministic(t *testing.T) {
	k1 := MakeKey("/etc/certs/a.pem", int64(1024))
	k2 := MakeKey("/etc/certs/a.pem", int64(1024))
	k3 := MakeKey("/etc/certs/b.pem", int64(1024))

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 16)
}

func TestCache_FileBackend_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	backend, err := NewFileBackend(dir)
	require.NoError(t, err)

	c, err := New(WithBackend(backend))
	require.NoError(t, err)

	c.Set("a", "persisted", time.Hour)
	c.SaveToDisk()
	require.NoError(t, c.Close())

	backend2, err := NewFileBackend(dir)
	require.NoError(t, err)

	c2, err := New(WithBackend(backend2))
	require.NoError(t, err)

	v, ok := c2.Get("a")
	require.True(t, ok)
	assert.Equal(t, "persisted", v)
}

func TestCache_FileBackend_ReloadsStructValuesWithDecoder(t *testing.T) {
	dir := t.TempDir()

	backend, err := NewFileBackend(dir)
	require.NoError(t, err)

	c, err := New(WithBackend(backend), WithValueDecoder(decodeRecordStub))
	require.NoError(t, err)

	c.Set("a", &recordStub{CommonName: "example.com"}, time.Hour)
	c.SaveToDisk()
	require.NoError(t, c.Close())

	backend2, err := NewFileBackend(dir)
	require.NoError(t, err)

	c2, err := New(WithBackend(backend2), WithValueDecoder(decodeRecordStub))
	require.NoError(t, err)

	v, ok := c2.Get("a")
	require.True(t, ok)

	rec, ok := v.(*recordStub)
	require.True(t, ok, "value reloaded from backend must satisfy the original concrete type assertion")
	assert.Equal(t, "example.com", rec.CommonName)
}

func TestCache_FileBackend_WithoutDecoderLosesConcreteType(t *testing.T) {
	dir := t.TempDir()

	backend, err := NewFileBackend(dir)
	require.NoError(t, err)

	c, err := New(WithBackend(backend))
	require.NoError(t, err)

	c.Set("a", &recordStub{CommonName: "example.com"}, time.Hour)
	c.SaveToDisk()
	require.NoError(t, c.Close())

	backend2, err := NewFileBackend(dir)
	require.NoError(t, err)

	c2, err := New(WithBackend(backend2))
	require.NoError(t, err)

	v, ok := c2.Get("a")
	require.True(t, ok)

	_, ok = v.(*recordStub)
	assert.False(t, ok, "documents the pre-fix behavior this ticket's decoder option now avoids")
}

func TestCache_FileBackend_ExpiredEntriesNotReloaded(t *testing.T) {
	dir := t.TempDir()

	backend, err := NewFileBackend(dir)
	require.NoError(t, err)

	c, err := New(WithBackend(backend))
	require.NoError(t, err)

	c.Set("a", "stale", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	c.SaveToDisk()
	require.NoError(t, c.Close())

	backend2, err := NewFileBackend(dir)
	require.NoError(t, err)

	c2, err := New(WithBackend(backend2))
	require.NoError(t, err)

	_, ok := c2.Get("a")
	assert.False(t, ok)
}

func TestCache_GetHealthStatus(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	c.Set("a", 1, time.Minute)
	c.Get("a")

	status := c.GetHealthStatus()
	assert.Equal(t, 1, status["cache_entries_total"])
	assert.Equal(t, int64(1), status["cache_total_accesses"])
}

func TestFileBackend_LoadMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	os.RemoveAll(dir)

	backend, err := NewFileBackend(dir)
	require.NoError(t, err)

	entries, stats, err := backend.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, Stats{}, stats)
}
