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

package hotreload

import (
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tlscertmonitor/internal/cache"
	"tlscertmonitor/internal/config"
	"tlscertmonitor/internal/metrics"
	"tlscertmonitor/internal/scanner"
)

func newTestManager(t *testing.T, cfg config.Config) *Manager {
	t.Helper()

	c, err := cache.New()
	require.NoError(t, err)

	m := metrics.New("test")
	s := scanner.New(scanner.Config{Directories: cfg.CertificateDirectories, Workers: 1}, c, m)

	return New(cfg, "", s, c, m, func() (config.Config, error) { return cfg, nil })
}

func TestManager_Start_DisabledIsNoOp(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{HotReload: false, CertificateDirectories: []string{dir}}

	mgr := newTestManager(t, cfg)

	require.NoError(t, mgr.Start())
	assert.False(t, mgr.watching)
}

func TestManager_StartStop(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{HotReload: true, CertificateDirectories: []string{dir}}

	mgr := newTestManager(t, cfg)

	require.NoError(t, mgr.Start())
	assert.True(t, mgr.watching)

	mgr.Stop()
	assert.False(t, mgr.watching)
}

func TestManager_GetStatus(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{HotReload: true, CertificateDirectories: []string{dir}}

	mgr := newTestManager(t, cfg)
	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	status := mgr.GetStatus()
	assert.Equal(t, true, status["enabled"])
	assert.Equal(t, true, status["watching"])
}

func TestManager_ScheduleCertChange_Debounces(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{HotReload: true, CertificateDirectories: []string{dir}}

	mgr := newTestManager(t, cfg)
	go mgr.dispatchLoop()
	defer close(mgr.stop)

	mgr.scheduleCertChange(dir+"/a.pem", 0)
	mgr.scheduleCertChange(dir+"/a.pem", 0)

	mgr.mu.Lock()
	count := len(mgr.certTimers)
	mgr.mu.Unlock()

	assert.Equal(t, 1, count, "second schedule for the same path should replace the first timer")
}

func TestManager_HandleCertChange_WriteInvalidatesCacheAndMetrics(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{HotReload: true, CertificateDirectories: []string{dir}}

	mgr := newTestManager(t, cfg)
	mgr.cache.Set("some-cert-key", "stale-record", time.Hour)
	require.Equal(t, 1, mgr.cache.Stats().Entries)

	mgr.handleCertChange(dir+"/a.pem", fsnotify.Write)

	assert.Equal(t, 0, mgr.cache.Stats().Entries, "a plain write must invalidate the cache like every other row of the action table")
}

func TestManager_SetsConfigTimerOnScheduleConfigChange(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{HotReload: true, CertificateDirectories: []string{dir}}

	mgr := newTestManager(t, cfg)
	go mgr.dispatchLoop()
	defer close(mgr.stop)

	mgr.scheduleConfigChange()

	mgr.mu.Lock()
	timer := mgr.configTimer
	mgr.mu.Unlock()

	require.NotNil(t, timer)
	time.Sleep(10 * time.Millisecond)
}
