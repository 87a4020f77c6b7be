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

// Package httpapi wires the certificate monitor's HTTP surface: the
// Prometheus scrape endpoint, health/scan/config/cache JSON endpoints, and
// the HTML landing page, all behind an optional IP allow-list.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tlscertmonitor/internal/cache"
	"tlscertmonitor/internal/config"
	"tlscertmonitor/internal/hotreload"
	"tlscertmonitor/internal/metrics"
	"tlscertmonitor/internal/scanner"
	"tlscertmonitor/internal/server"
)

// Dependencies are the components the HTTP surface reads from. Config is a
// getter called on every request, so each request sees whatever snapshot it
// returns; the getter internal/application passes returns the configuration
// loaded at startup, which a hot reload does not replace.
type Dependencies struct {
	Config    func() config.Config
	Cache     *cache.Cache
	Metrics   *metrics.Collector
	Scanner   *scanner.Scanner
	HotReload *hotreload.Manager
	Version   string
}

// Register mounts every handler onto srv, wrapping each with the IP
// allow-list middleware.
func Register(srv *server.Server, deps Dependencies) {
	wrap := ipAllowList(deps.Config)

	srv.SetHandle("/metrics", wrap(metricsHandler(deps)))
	srv.SetHandleFunc("/healthz", wrap(http.HandlerFunc(healthzHandler(deps))).ServeHTTP)
	srv.SetHandleFunc("/scan", wrap(http.HandlerFunc(scanHandler(deps))).ServeHTTP)
	srv.SetHandleFunc("/config", wrap(http.HandlerFunc(configHandler(deps))).ServeHTTP)
	srv.SetHandleFunc("/cache/stats", wrap(http.HandlerFunc(cacheStatsHandler(deps))).ServeHTTP)
	srv.SetHandleFunc("/cache/clear", wrap(http.HandlerFunc(cacheClearHandler(deps))).ServeHTTP)
	srv.SetHandleFunc("/favicon.ico", wrap(http.HandlerFunc(faviconHandler)).ServeHTTP)
	srv.SetHandleFunc("/", wrap(http.HandlerFunc(Root)).ServeHTTP)
}

// ipAllowList enforces config.AllowedIPs when config.EnableIPWhitelist is
// set. Requests whose RemoteAddr cannot be parsed are let through, logged,
// the same fail-open behavior as the original (tests and local tooling
// rarely set a parseable RemoteAddr).
func ipAllowList(getConfig func() config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg := getConfig()

			if !cfg.EnableIPWhitelist {
				next.ServeHTTP(w, r)
				return
			}

			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			clientIP := net.ParseIP(host)
			if clientIP == nil {
				slog.Warn("unable to determine client IP, allowing request", "remote_addr", r.RemoteAddr)
				next.ServeHTTP(w, r)
				return
			}

			if !ipAllowed(clientIP, cfg.AllowedIPs) {
				slog.Warn("access denied for IP address", "ip", clientIP.String())
				writeJSON(w, http.StatusForbidden, map[string]any{
					"error":     "Access forbidden",
					"message":   "Your IP address is not allowed to access this service",
					"client_ip": clientIP.String(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func ipAllowed(ip net.IP, allowed []string) bool {
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				continue
			}
			if network.Contains(ip) {
				return true
			}
			continue
		}

		if net.ParseIP(entry).Equal(ip) {
			return true
		}
	}
	return false
}

// numericWholeFamilies lists the metric families the original implementation
// renders as plain integers rather than the exponent form Prometheus's text
// format uses for large values (e.g. "1893456000" instead of "1.893456e+09").
var numericWholeFamilies = map[string]bool{
	"ssl_cert_last_scan_timestamp": true,
	"ssl_cert_san_count":           true,
	"ssl_cert_files_total":         true,
	"ssl_cert_duplicate_count":     true,
	"app_memory_bytes":             true,
	"app_thread_count":             true,
	"ssl_cert_issuer_code":         true,
}

var metricLinePattern = regexp.MustCompile(`^([a-zA-Z_:][a-zA-Z0-9_:]*)(\{[^}]*\})?\s+(\S+)$`)

// metricsHandler serves the Prometheus exposition format, then rewrites the
// whole-number metric families to plain integers the way the original's
// _format_numeric_values pass does, since Go's client library writes values
// of a million and above in exponent form.
func metricsHandler(deps Dependencies) http.Handler {
	inner := promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &bodyCapture{ResponseWriter: w}
		inner.ServeHTTP(rec, r)

		w.Header().Set("Content-Type", rec.Header().Get("Content-Type"))
		w.WriteHeader(rec.status())
		_, _ = w.Write(formatNumericValues(rec.body.String()))
	})
}

func formatNumericValues(body string) []byte {
	lines := strings.Split(body, "\n")

	for i, line := range lines {
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}

		m := metricLinePattern.FindStringSubmatch(line)
		if m == nil || !numericWholeFamilies[m[1]] {
			continue
		}

		value, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			continue
		}

		lines[i] = fmt.Sprintf("%s%s %s", m[1], m[2], strconv.FormatFloat(value, 'f', 0, 64))
	}

	return []byte(strings.Join(lines, "\n"))
}

type bodyCapture struct {
	http.ResponseWriter
	body       strings.Builder
	statusCode int
}

func (b *bodyCapture) Write(p []byte) (int, error) {
	return b.body.Write(p)
}

func (b *bodyCapture) WriteHeader(code int) {
	b.statusCode = code
}

func (b *bodyCapture) status() int {
	if b.statusCode == 0 {
		return http.StatusOK
	}
	return b.statusCode
}

func healthzHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := deps.Config()

		status := map[string]any{
			"status":  "healthy",
			"version": deps.Version,
		}

		for k, v := range deps.Cache.GetHealthStatus() {
			status[k] = v
		}
		for k, v := range deps.Metrics.GetRegistryStatus() {
			status[k] = v
		}
		if deps.HotReload != nil {
			status["hot_reload"] = deps.HotReload.GetStatus()
		}

		last := deps.Scanner.LastSummary()
		status["scanner"] = map[string]any{
			"last_scan_timestamp": last.Timestamp,
			"files_total":         last.FilesTotal,
			"parsed":              last.Parsed,
			"errors":              last.Errors,
			"dry_run":             cfg.DryRun,
		}

		for k, v := range systemHealth(cfg) {
			status[k] = v
		}

		writeJSON(w, http.StatusOK, status)
	}
}

// systemHealth reports the config/log file writability and per-directory
// disk space checks the original implementation's _get_system_health
// performs, keyed to merge directly into the /healthz body.
func systemHealth(cfg config.Config) map[string]any {
	health := map[string]any{
		"hot_reload_enabled": cfg.HotReload,
	}

	configFile := config.FileUsed()
	if configFile == "" {
		health["config_file"] = "default"
		health["config_file_exists"] = false
		health["config_file_writable"] = false
	} else {
		health["config_file"] = configFile
		exists := false
		writable := false
		if _, err := os.Stat(configFile); err == nil {
			exists = true
			writable = syscall.Access(configFile, syscall.W_OK) == nil
		}
		health["config_file_exists"] = exists
		health["config_file_writable"] = writable
	}

	if cfg.LogFile != "" {
		logDir := filepath.Dir(cfg.LogFile)
		health["log_file_writable"] = dirWritable(logDir)
	} else {
		health["log_file_writable"] = true
	}

	var frees []uint64

	for _, dir := range cfg.CertificateDirectories {
		key := "diskspace_" + strings.NewReplacer("/", "_", "\\", "_").Replace(dir)

		total, free, err := diskUsage(dir)
		if err != nil {
			health[key+"_error"] = err.Error()
			continue
		}

		percentUsed := 0.0
		if total > 0 {
			percentUsed = float64(total-free) / float64(total) * 100
		}

		health[key] = map[string]any{
			"total":        total,
			"used":         total - free,
			"free":         free,
			"percent_used": percentUsed,
		}
		frees = append(frees, free)
	}

	if len(frees) > 0 {
		minFree := frees[0]
		for _, f := range frees[1:] {
			if f < minFree {
				minFree = f
			}
		}

		status := "ok"
		if minFree <= 1<<30 {
			status = "warning"
		}

		health["diskspace"] = map[string]any{
			"status":              status,
			"min_free_bytes":      minFree,
			"directories_checked": len(frees),
		}
	}

	return health
}

// dirWritable checks write permission via the access(2) syscall rather
// than inspecting mode bits, matching the original implementation's
// os.access(path, os.W_OK) (mode bits alone would miss ACLs and
// read-only mounts).
func dirWritable(dir string) bool {
	if dir == "" {
		dir = "."
	}
	return syscall.Access(dir, syscall.W_OK) == nil
}

// diskUsage reports the total and free byte counts for the filesystem
// backing dir.
func diskUsage(dir string) (total, free uint64, err error) {
	if _, err := os.Stat(dir); err != nil {
		return 0, 0, err
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, err
	}

	total = uint64(stat.Blocks) * uint64(stat.Bsize)
	free = uint64(stat.Bavail) * uint64(stat.Bsize)

	return total, free, nil
}

func scanHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := deps.Config()

		if cfg.DryRun {
			writeJSON(w, http.StatusOK, map[string]any{"message": "Scan not performed - dry run mode enabled"})
			return
		}

		slog.Info("manual scan triggered via API")
		summary := deps.Scanner.ScanOnce(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"summary": map[string]any{
				"files_total":         summary.FilesTotal,
				"parsed":              summary.Parsed,
				"errors":              summary.Errors,
				"duration_seconds":    summary.Duration,
				"directories_scanned": len(summary.Directories),
			},
			"directories": summary.Directories,
			"timestamp":   summary.Timestamp,
		})
	}
}

func configHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, redactConfig(deps.Config()))
	}
}

// redactConfig mirrors the original's /config redaction: passwords and the
// TLS key are fully masked, allowed IPs and certificate directory paths are
// summarized rather than disclosed outright.
func redactConfig(cfg config.Config) map[string]any {
	out := map[string]any{
		"port":                   cfg.Port,
		"bind_address":           cfg.BindAddress,
		"tls_cert":               cfg.TLSCert,
		"tls_key":                redactIfSet(cfg.TLSKey),
		"scan_interval":          cfg.ScanInterval,
		"workers":                cfg.Workers,
		"log_level":              cfg.LogLevel,
		"log_file":               cfg.LogFile,
		"dry_run":                cfg.DryRun,
		"hot_reload":             cfg.HotReload,
		"cache_type":             cfg.CacheType,
		"cache_ttl":              cfg.CacheTTL,
		"cache_max_size":         cfg.CacheMaxSize,
		"enable_ip_whitelist":    cfg.EnableIPWhitelist,
		"exclude_directories":    cfg.ExcludeDirectories,
		"exclude_file_patterns":  cfg.ExcludeFilePatterns,
		"p12_passwords":          fmt.Sprintf("***REDACTED*** (%d passwords)", len(cfg.P12Passwords)),
		"allowed_ips":            fmt.Sprintf("***REDACTED*** (%d IPs/networks)", len(cfg.AllowedIPs)),
	}

	masked := make([]string, 0, len(cfg.CertificateDirectories))
	for _, dir := range cfg.CertificateDirectories {
		masked = append(masked, "***/"+filepath.Base(dir))
	}
	out["certificate_directories"] = masked

	return out
}

func redactIfSet(s string) string {
	if s == "" {
		return ""
	}
	return "***REDACTED***"
}

func cacheStatsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Cache.Stats())
	}
}

func cacheClearHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := deps.Config()

		if cfg.DryRun {
			writeJSON(w, http.StatusOK, map[string]any{"message": "Cache not cleared - dry run mode enabled"})
			return
		}

		deps.Cache.Clear()
		slog.Info("cache cleared via API")
		writeJSON(w, http.StatusOK, map[string]any{"message": "Cache cleared successfully"})
	}
}

const faviconSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 32 32" width="32" height="32">
<rect x="8" y="15" width="16" height="14" rx="2" fill="#ffd700" stroke="#d4911a" stroke-width="1.5"/>
<path d="M 12 15 L 12 10 Q 12 5 16 5 Q 20 5 20 10 L 20 15" fill="none" stroke="#d4911a" stroke-width="2.5" stroke-linecap="round"/>
<circle cx="16" cy="21" r="2" fill="#d4911a"/>
</svg>`

func faviconHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/svg+xml")
	_, _ = w.Write([]byte(faviconSVG))
}

// Root serves the landing page linking to /metrics. The original teacher's
// implementation defined an equivalent function to mount at "/" on its
// metrics server; this is the certificate monitor's counterpart, linking
// /metrics, /healthz, /scan, /config and /cache/stats instead of just the
// metrics link.
func Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>TLS Certificate Monitor</title><meta charset="utf-8"></head>
<body>
<h1>Metrics</h1>
<p>TLS Certificate Monitor exposes the following endpoints:</p>
<ul>
<li><a href='/metrics'>Metrics</a> - Prometheus exposition format</li>
<li><a href='/healthz'>Health</a> - component health status</li>
<li><a href='/scan'>Scan</a> - trigger an immediate certificate scan</li>
<li><a href='/config'>Config</a> - redacted running configuration</li>
<li><a href='/cache/stats'>Cache stats</a> - cache hit rate and size</li>
</ul>
</body>
</html>
`)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}
