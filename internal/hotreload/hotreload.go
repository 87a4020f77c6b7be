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

// Package hotreload watches the configuration file and certificate
// directories for changes and reacts by invalidating the cache, clearing
// stale metrics, and triggering an immediate re-scan.
package hotreload

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"

	"tlscertmonitor/internal/cache"
	"tlscertmonitor/internal/certutil"
	"tlscertmonitor/internal/config"
	"tlscertmonitor/internal/metrics"
	"tlscertmonitor/internal/scanner"
)

const (
	certDebounce   = time.Second
	configDebounce = 2 * time.Second
	stopTimeout    = 5 * time.Second
)

// Manager watches the certificate directories and configuration file named
// in its Config and reacts to filesystem events by clearing cache/metrics
// state and re-scanning.
type Manager struct {
	mu sync.Mutex

	watcher *fsnotify.Watcher
	scanner *scanner.Scanner
	cache   *cache.Cache
	metrics *metrics.Collector

	configPath string
	loadConfig func() (config.Config, error)
	current    config.Config

	certTimers  map[string]*time.Timer
	configTimer *time.Timer

	dispatch chan func()
	stop     chan struct{}
	done     chan struct{}
	watching bool

	watchedPaths map[string]bool
}

// New builds a Manager. loadConfig is called by the debounced config-change
// handler to produce the post-reload configuration; it is normally
// config.New bound to the same Viper instance the application started with.
func New(cfg config.Config, configPath string, s *scanner.Scanner, c *cache.Cache, m *metrics.Collector, loadConfig func() (config.Config, error)) *Manager {
	return &Manager{
		scanner:      s,
		cache:        c,
		metrics:      m,
		configPath:   configPath,
		loadConfig:   loadConfig,
		current:      cfg,
		certTimers:   make(map[string]*time.Timer),
		dispatch:     make(chan func(), 32),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		watchedPaths: make(map[string]bool),
	}
}

// Start begins watching. It is a no-op if hot reload is disabled in the
// current configuration.
func (m *Manager) Start() error {
	if !m.current.HotReload {
		slog.Info("hot reload disabled in configuration")
		return nil
	}

	m.mu.Lock()
	if m.watching {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	var watchErrs *multierror.Error

	if m.configPath != "" {
		dir := filepath.Dir(m.configPath)
		if err := watcher.Add(dir); err != nil {
			watchErrs = multierror.Append(watchErrs, fmt.Errorf("watch config directory %s: %w", dir, err))
		} else {
			m.watchedPaths[dir] = true
			slog.Info("watching configuration file", "path", m.configPath)
		}
	}

	for _, dir := range m.current.CertificateDirectories {
		if err := m.watchRecursive(dir); err != nil {
			watchErrs = multierror.Append(watchErrs, fmt.Errorf("watch certificate directory %s: %w", dir, err))
		}
	}

	if watchErrs != nil {
		slog.Warn("some directories could not be watched", "error", watchErrs)
	}

	m.mu.Lock()
	m.watching = true
	m.mu.Unlock()

	go m.dispatchLoop()
	go m.eventLoop()

	slog.Info("hot reload started", "watched_paths", len(m.watchedPaths))

	return watchErrs.ErrorOrNil()
}

// watchRecursive adds root and every subdirectory beneath it to the
// watcher, aggregating per-path failures so one unreadable subdirectory
// doesn't abort watching the rest of the tree.
func (m *Manager) watchRecursive(root string) error {
	var errs *multierror.Error

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if watchErr := m.watcher.Add(path); watchErr != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", path, watchErr))
			return nil
		}
		m.watchedPaths[path] = true
		return nil
	})
	if walkErr != nil {
		errs = multierror.Append(errs, walkErr)
	}

	return errs.ErrorOrNil()
}

// Stop stops watching and waits up to five seconds for in-flight debounced
// work to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.watching {
		m.mu.Unlock()
		return
	}
	m.watching = false
	watcher := m.watcher
	m.mu.Unlock()

	close(m.stop)

	if watcher != nil {
		_ = watcher.Close()
	}

	select {
	case <-m.done:
	case <-time.After(stopTimeout):
		slog.Warn("hot reload did not stop within timeout")
	}

	m.mu.Lock()
	for _, t := range m.certTimers {
		t.Stop()
	}
	if m.configTimer != nil {
		m.configTimer.Stop()
	}
	m.watchedPaths = make(map[string]bool)
	m.mu.Unlock()

	slog.Info("hot reload stopped")
}

// dispatchLoop runs scheduled reload work one at a time on its own
// goroutine, so a burst of filesystem events never runs two re-scans
// concurrently against the same scanner.
func (m *Manager) dispatchLoop() {
	for {
		select {
		case fn := <-m.dispatch:
			fn()
		case <-m.stop:
			close(m.done)
			return
		}
	}
}

func (m *Manager) eventLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("hot reload watcher error", "error", err)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	if m.configPath != "" && event.Name == m.configPath {
		m.scheduleConfigChange()
		return
	}

	if !certutil.HasCertificateExtension(event.Name) {
		return
	}

	m.scheduleCertChange(event.Name, event.Op)
}

func (m *Manager) scheduleCertChange(path string, op fsnotify.Op) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.certTimers[path]; ok {
		t.Stop()
	}

	m.certTimers[path] = time.AfterFunc(certDebounce, func() {
		m.dispatch <- func() { m.handleCertChange(path, op) }
	})
}

func (m *Manager) handleCertChange(path string, op fsnotify.Op) {
	slog.Info("certificate file changed", "path", path, "op", op.String())

	// Every row of the certificate-change action table invalidates the
	// cache and metrics, including a plain write to an existing file: a
	// cert whose contents change in place (new CN, new serial) must not
	// leave its old labeled series alive.
	m.cache.Clear()
	m.metrics.ClearAllCertificateMetrics()
	m.metrics.ResetScanMetrics()
	slog.Info("cache and metrics cleared due to certificate change", "path", path)

	m.scanner.ScanOnce(context.Background())
}

func (m *Manager) scheduleConfigChange() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.configTimer != nil {
		m.configTimer.Stop()
	}

	m.configTimer = time.AfterFunc(configDebounce, func() {
		m.dispatch <- m.handleConfigChange
	})
}

func (m *Manager) handleConfigChange() {
	slog.Info("reloading configuration due to file change")

	newCfg, err := m.loadConfig()
	if err != nil {
		slog.Error("failed to reload configuration", "error", err)
		return
	}

	old := m.current
	m.current = newCfg

	oldDirs := toSet(old.CertificateDirectories)
	newDirs := toSet(newCfg.CertificateDirectories)
	dirsChanged := !setsEqual(oldDirs, newDirs)

	passwordsChanged := !setsEqual(toSet(old.P12Passwords), toSet(newCfg.P12Passwords))
	excludeChanged := !setsEqual(toSet(old.ExcludeDirectories), toSet(newCfg.ExcludeDirectories)) ||
		!setsEqual(toSet(old.ExcludeFilePatterns), toSet(newCfg.ExcludeFilePatterns))

	m.scanner.UpdateConfig(scanner.Config{
		Directories:     newCfg.CertificateDirectories,
		ExcludeDirs:     newCfg.ExcludeDirectories,
		ExcludePatterns: newCfg.ExcludeFilePatterns,
		P12Passwords:    newCfg.P12Passwords,
		Workers:         newCfg.Workers,
	})

	switch {
	case dirsChanged:
		m.cache.Clear()
		m.metrics.ClearAllCertificateMetrics()
		m.metrics.ResetScanMetrics()
		m.restartDirectoryWatches(newCfg.CertificateDirectories)
		slog.Info("certificate directories changed, cache and metrics reset")
	case passwordsChanged:
		m.cache.Clear()
		m.metrics.ResetParseErrorMetrics()
		slog.Info("p12 passwords changed, cache cleared and parse error metrics reset")
	case excludeChanged:
		m.cache.Clear()
		m.metrics.ClearAllCertificateMetrics()
		m.metrics.ResetScanMetrics()
		slog.Info("exclude patterns changed, cache and metrics reset")
	}

	if abs(old.ScanIntervalSeconds()-newCfg.ScanIntervalSeconds()) > 60 {
		m.cache.Clear()
		slog.Info("scan interval changed significantly, cache cleared")
	}

	if dirsChanged || passwordsChanged || excludeChanged {
		m.scanner.ScanOnce(context.Background())
	}
}

func (m *Manager) restartDirectoryWatches(dirs []string) {
	if m.watcher == nil {
		return
	}

	for path := range m.watchedPaths {
		if m.configPath != "" && path == filepath.Dir(m.configPath) {
			continue
		}
		_ = m.watcher.Remove(path)
		delete(m.watchedPaths, path)
	}

	for _, dir := range dirs {
		if err := m.watchRecursive(dir); err != nil {
			slog.Warn("failed to watch new certificate directory", "directory", dir, "error", err)
		}
	}
}

// GetStatus reports the hot-reload manager's current state for /healthz.
func (m *Manager) GetStatus() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]string, 0, len(m.watchedPaths))
	for p := range m.watchedPaths {
		paths = append(paths, p)
	}

	return map[string]any{
		"enabled":       m.current.HotReload,
		"watching":      m.watching,
		"watched_paths": paths,
		"config_path":   m.configPath,
	}
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
