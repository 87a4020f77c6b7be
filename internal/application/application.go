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
package application

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tlscertmonitor/internal/cache"
	"tlscertmonitor/internal/certutil"
	"tlscertmonitor/internal/config"
	"tlscertmonitor/internal/hotreload"
	"tlscertmonitor/internal/httpapi"
	"tlscertmonitor/internal/metrics"
	"tlscertmonitor/internal/scanner"
	"tlscertmonitor/internal/server"
	"tlscertmonitor/internal/version"
)

// App orchestrates every component of the certificate monitor: the cache,
// the Prometheus collector, the scanner, the hot-reload watcher, and the
// HTTP surface. It manages the application lifecycle from initialization to
// graceful shutdown.
type App struct {
	config  config.Config
	cache   *cache.Cache
	metrics *metrics.Collector
	scanner *scanner.Scanner
	reload  *hotreload.Manager
	srv     *server.Server

	stop chan struct{}
}

// New creates and initializes a new App instance with all required
// components. Returns an error if any component fails to initialize.
func New() (*App, error) {
	slog.Debug("initializing application")

	ctx := context.Background()

	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config")
		return nil, err
	}

	c, err := cache.NewFromConfig(ctx, cache.Config{
		Type:    cfg.CacheType,
		Dir:     cfg.CacheDir,
		TTL:     time.Duration(cfg.CacheTTLSeconds()) * time.Second,
		MaxSize: cfg.CacheMaxSize,
		DSN:     cfg.CacheDSN,
	}, cache.WithValueDecoder(certutil.DecodeRecord))
	if err != nil {
		slog.Error("failed to create cache")
		return nil, err
	}

	collector := metrics.New(version.GetVersion())

	s := scanner.New(scanner.Config{
		Directories:     cfg.CertificateDirectories,
		ExcludeDirs:     cfg.ExcludeDirectories,
		ExcludePatterns: cfg.ExcludeFilePatterns,
		P12Passwords:    cfg.P12Passwords,
		Workers:         cfg.Workers,
	}, c, collector)

	reload := hotreload.New(cfg, config.FileUsed(), s, c, collector, config.New)

	srv := server.NewServer(
		server.WithAddr(fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)),
	)

	app := &App{
		config:  cfg,
		cache:   c,
		metrics: collector,
		scanner: s,
		reload:  reload,
		srv:     srv,
		stop:    make(chan struct{}),
	}

	httpapi.Register(srv, httpapi.Dependencies{
		Config:    func() config.Config { return app.config },
		Cache:     c,
		Metrics:   collector,
		Scanner:   s,
		HotReload: reload,
		Version:   version.GetVersion(),
	})

	return app, nil
}

// Up starts the application and all its components. It launches the
// metrics/process-stat sampler, the hot-reload watcher (if enabled), the
// periodic scan ticker, and the HTTP server, then blocks until a shutdown
// signal arrives.
func (a *App) Up() {
	slog.Info("starting application",
		"cache_type", a.config.CacheType,
		"directories", a.config.CertificateDirectories,
		"app_id", a.config.InstanceID.String(),
	)

	if !a.config.DryRun {
		a.scanner.ScanOnce(context.Background())
	} else {
		slog.Info("dry run mode enabled, skipping initial scan")
	}

	if err := a.reload.Start(); err != nil {
		slog.Error("failed to start hot reload", "error", err)
	}

	go a.scanLoop()
	go a.processMetricsLoop()
	go a.cache.MaintenanceLoop(time.Minute, a.stop)
	go a.srv.Up()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs,
		syscall.SIGTERM,
		syscall.SIGINT,
	)

	sig := <-sigs
	slog.Info("shutdown signal received", "signal", fmt.Sprintf("%s (%d)", sig.String(), sig))

	a.Down()
}

// scanLoop re-runs the scanner on the configured interval until the app is
// stopped. Dry-run mode still ticks so operators can see in logs when a
// scan would have fired.
func (a *App) scanLoop() {
	interval := time.Duration(a.config.ScanIntervalSeconds()) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if a.config.DryRun {
				slog.Info("dry run mode enabled, skipping scheduled scan")
				continue
			}
			a.scanner.ScanOnce(context.Background())
		}
	}
}

// processMetricsLoop periodically samples process statistics (memory,
// goroutine count) into the Prometheus collector.
func (a *App) processMetricsLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	hostname, _ := os.Hostname()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.metrics.UpdateProcessMetrics(version.GetVersion(), hostname)
		}
	}
}

// Down performs graceful shutdown of the application.
func (a *App) Down() error {
	close(a.stop)

	a.reload.Stop()
	a.srv.Down()

	if err := a.cache.Close(); err != nil {
		slog.Error("failed to close cache", "error", err)
	}

	slog.Info("application stopped")
	return nil
}
