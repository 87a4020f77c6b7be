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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tlscertmonitor/internal/cache"
	"tlscertmonitor/internal/config"
	"tlscertmonitor/internal/hotreload"
	"tlscertmonitor/internal/httpapi"
	"tlscertmonitor/internal/metrics"
	"tlscertmonitor/internal/scanner"
	"tlscertmonitor/internal/server"
)

// newTestApp builds an App directly, bypassing New()'s Viper-backed
// config.New() call, so tests don't depend on process-global configuration
// state.
func newTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()

	c, err := cache.New()
	require.NoError(t, err)

	collector := metrics.New("test")
	s := scanner.New(scanner.Config{Directories: cfg.CertificateDirectories, Workers: 1}, c, collector)
	reload := hotreload.New(cfg, "", s, c, collector, func() (config.Config, error) { return cfg, nil })
	srv := server.NewServer(server.WithAddr("127.0.0.1:0"))

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
		Version:   "test",
	})

	return app
}

func TestApp_Down_ClosesCacheAndStopsReload(t *testing.T) {
	dir := t.TempDir()
	app := newTestApp(t, config.Config{CertificateDirectories: []string{dir}, HotReload: true})

	require.NoError(t, app.reload.Start())

	err := app.Down()

	assert.NoError(t, err)
	assert.Equal(t, false, app.reload.GetStatus()["watching"])

	select {
	case <-app.stop:
	default:
		t.Fatal("expected stop channel to be closed")
	}
}

func TestApp_Down_HotReloadDisabled(t *testing.T) {
	app := newTestApp(t, config.Config{})

	require.NoError(t, app.reload.Start())

	err := app.Down()
	assert.NoError(t, err)
}

func TestApp_ScanOnce_EmptyDirectoryProducesEmptySummary(t *testing.T) {
	dir := t.TempDir()
	app := newTestApp(t, config.Config{CertificateDirectories: []string{dir}, DryRun: true, ScanInterval: "1s"})

	app.scanner.ScanOnce(context.Background())

	summary := app.scanner.LastSummary()
	assert.Equal(t, 0, summary.FilesTotal)
}
