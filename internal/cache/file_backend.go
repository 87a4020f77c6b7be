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
	"path/filepath"
)

// diskSnapshot is the on-disk representation saved by FileBackend.
type diskSnapshot struct {
	Entries map[string]Entry `json:"entries"`
	Stats   Stats            `json:"stats"`
}

// FileBackend persists the cache as a single JSON file, written atomically
// via a temp-file-then-rename so a crash mid-write never corrupts the
// previous snapshot.
type FileBackend struct {
	dir  string
	file string
}

// NewFileBackend creates the cache directory if needed and returns a
// backend that persists to <dir>/cache.json.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	return &FileBackend{
		dir:  dir,
		file: filepath.Join(dir, "cache.json"),
	}, nil
}

// Load reads the snapshot file, returning an empty entry set if it does
// not exist yet.
func (b *FileBackend) Load() (map[string]Entry, Stats, error) {
	data, err := os.ReadFile(b.file)
	if os.IsNotExist(err) {
		return map[string]Entry{}, Stats{}, nil
	}
	if err != nil {
		return nil, Stats{}, fmt.Errorf("read cache file: %w", err)
	}

	var snap diskSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, Stats{}, fmt.Errorf("decode cache file: %w", err)
	}

	if snap.Entries == nil {
		snap.Entries = map[string]Entry{}
	}

	return snap.Entries, snap.Stats, nil
}

// Save writes entries and stats atomically: a temp file is created in the
// same directory, fsynced, closed, then renamed over the target path so
// the rename is the only step that can be observed mid-flight.
func (b *FileBackend) Save(entries map[string]Entry, stats Stats) error {
	data, err := json.Marshal(diskSnapshot{Entries: entries, Stats: stats})
	if err != nil {
		return fmt.Errorf("encode cache snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(b.dir, ".cache.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp cache file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp cache file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}

	if err := os.Rename(tmp.Name(), b.file); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp.Name(), b.file, err)
	}

	return nil
}

// Close is a no-op; the file backend holds no open handles between calls.
func (b *FileBackend) Close() error {
	return nil
}
