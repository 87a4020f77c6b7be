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

// Package metrics implements the Prometheus registry exposing certificate
// inventory, scan, and process health metrics.
package metrics

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CertificateLabels identifies one certificate's labeled metrics.
type CertificateLabels struct {
	CommonName string
	Issuer     string
	Path       string
	Serial     string
}

// Collector is the Prometheus collector for the certificate monitor. Where
// the teacher's equivalent tracked two sync.Map-keyed gauges, this tracks
// the full certificate/scan/process family list over label-vector metrics,
// and performs the same "recreate the underlying map" style of label
// retraction via each vector's Reset, rather than reinventing per-label
// bookkeeping by hand.
type Collector struct {
	registry *prometheus.Registry

	certExpiration     *prometheus.GaugeVec
	certSANCount       *prometheus.GaugeVec
	certInfo           *prometheus.GaugeVec
	certIssuerCode     *prometheus.GaugeVec
	certDuplicateNames *prometheus.GaugeVec

	certDuplicateCount  prometheus.Gauge
	certWeakKeyTotal    prometheus.Gauge
	certDeprecatedTotal prometheus.Gauge
	certsParsedTotal    prometheus.Gauge
	certParseErrTotal   prometheus.Gauge
	certsTruncatedTotal prometheus.Counter

	filesTotal      *prometheus.GaugeVec
	scanDuration    *prometheus.HistogramVec
	lastScanUnix    *prometheus.GaugeVec
	parseErrorNames *prometheus.GaugeVec

	memoryBytes *prometheus.GaugeVec
	cpuPercent  prometheus.Gauge
	threadCount prometheus.Gauge
	appInfo     *prometheus.GaugeVec

	duplicates       sync.Map // serial -> []string of paths
	weakKeys         int64
	deprecatedSigAlg int64
	parseErrors      int64

	appInfoSet   atomic.Bool
	registeredAt time.Time
}

const labelTruncateLimit = 100

// New builds and registers every metric family with a dedicated
// prometheus.Registry (not the global DefaultRegisterer, so tests can build
// independent instances without collisions).
func New(version string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		certExpiration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ssl_cert_expiration_timestamp",
			Help: "Certificate expiration time (Unix timestamp)",
		}, []string{"common_name", "issuer", "path", "serial"}),
		certSANCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ssl_cert_san_count",
			Help: "Number of Subject Alternative Names",
		}, []string{"common_name", "path"}),
		certInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ssl_cert_info",
			Help: "Certificate information with labels",
		}, []string{"path", "common_name", "issuer", "serial", "subject"}),
		certIssuerCode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ssl_cert_issuer_code",
			Help: "Numeric issuer classification",
		}, []string{"common_name", "issuer", "path"}),
		certDuplicateNames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ssl_cert_duplicate_names",
			Help: "Paths sharing a duplicated certificate serial number",
		}, []string{"serial_number", "certificate_paths"}),
		certDuplicateCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ssl_cert_duplicate_count",
			Help: "Number of duplicate certificates",
		}),
		certWeakKeyTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ssl_cert_weak_key_total",
			Help: "Current count of certificates with weak cryptographic keys",
		}),
		certDeprecatedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ssl_cert_deprecated_sigalg_total",
			Help: "Current count of certificates using deprecated signature algorithms",
		}),
		certsParsedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ssl_certs_parsed_total",
			Help: "Successfully parsed certificates in the current scan",
		}),
		certParseErrTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ssl_cert_parse_errors_total",
			Help: "Current count of certificate parsing errors",
		}),
		certsTruncatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ssl_cert_labels_truncated_total",
			Help: "Number of label values truncated to fit Prometheus limits",
		}),
		filesTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ssl_cert_files_total",
			Help: "Total certificate files processed",
		}, []string{"directory"}),
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "ssl_cert_scan_duration_seconds",
			Help: "Directory scan duration",
		}, []string{"directory"}),
		lastScanUnix: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ssl_cert_last_scan_timestamp",
			Help: "Last successful scan time",
		}, []string{"directory"}),
		parseErrorNames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ssl_cert_parse_error_names",
			Help: "Certificates that failed to parse",
		}, []string{"filename", "error_type", "error_message"}),
		memoryBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "app_memory_bytes",
			Help: "Application memory usage in bytes",
		}, []string{"type"}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "app_cpu_percent",
			Help: "Application CPU usage percentage",
		}),
		threadCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "app_thread_count",
			Help: "Number of application goroutines",
		}),
		appInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application information",
		}, []string{"hostname", "version", "go_version"}),
		registeredAt: time.Now(),
	}

	for _, collector := range []prometheus.Collector{
		c.certExpiration, c.certSANCount, c.certInfo, c.certIssuerCode, c.certDuplicateNames,
		c.certDuplicateCount, c.certWeakKeyTotal, c.certDeprecatedTotal, c.certsParsedTotal,
		c.certParseErrTotal, c.certsTruncatedTotal, c.filesTotal, c.scanDuration, c.lastScanUnix,
		c.parseErrorNames, c.memoryBytes, c.cpuPercent, c.threadCount, c.appInfo,
	} {
		c.registry.MustRegister(collector)
	}

	return c
}

// Registry returns the underlying prometheus.Registry so the HTTP surface
// can mount it behind promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func truncateLabel(c *Collector, s string) string {
	if len(s) <= labelTruncateLimit {
		return s
	}
	c.certsTruncatedTotal.Inc()
	return s[:labelTruncateLimit]
}

// UpdateCertificateMetrics records one certificate's attributes. issuerCode
// must already be classified by the caller (certutil.IssuerCode).
func (c *Collector) UpdateCertificateMetrics(labels CertificateLabels, subject string, expirationUnix int64, sanCount int, issuerCode int, weakKey, deprecatedSigAlg bool) {
	commonName := orUnknown(labels.CommonName)
	issuer := orUnknown(labels.Issuer)
	path := orUnknown(labels.Path)
	serial := orUnknown(labels.Serial)

	c.certExpiration.WithLabelValues(commonName, issuer, path, serial).Set(float64(expirationUnix))
	c.certSANCount.WithLabelValues(commonName, path).Set(float64(sanCount))
	c.certInfo.WithLabelValues(path, commonName, issuer, serial, truncateLabel(c, orUnknown(subject))).Set(1)
	c.certIssuerCode.WithLabelValues(commonName, issuer, path).Set(float64(issuerCode))

	if serial != "unknown" {
		existing, _ := c.duplicates.LoadOrStore(serial, []string{})
		paths := existing.([]string)
		paths = append(paths, path)
		c.duplicates.Store(serial, paths)
	}

	if weakKey {
		atomic.AddInt64(&c.weakKeys, 1)
	}
	if deprecatedSigAlg {
		atomic.AddInt64(&c.deprecatedSigAlg, 1)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// RecordParseError records a single certificate parse failure.
func (c *Collector) RecordParseError(filename, errorType, errorMessage string) {
	atomic.AddInt64(&c.parseErrors, 1)

	if len(errorMessage) > labelTruncateLimit {
		c.certsTruncatedTotal.Inc()
		errorMessage = errorMessage[:labelTruncateLimit]
	}

	c.parseErrorNames.WithLabelValues(filename, errorType, errorMessage).Set(1)
}

// UpdateScanMetrics records the outcome of scanning one directory.
// parsedTotal is the number of certificates parsed so far in the current
// scan, across all directories.
func (c *Collector) UpdateScanMetrics(directory string, duration time.Duration, filesTotal, parsedTotal int) {
	c.filesTotal.WithLabelValues(directory).Set(float64(filesTotal))
	c.scanDuration.WithLabelValues(directory).Observe(duration.Seconds())
	c.lastScanUnix.WithLabelValues(directory).Set(float64(time.Now().Unix()))

	c.certsParsedTotal.Set(float64(parsedTotal))
	c.certParseErrTotal.Set(float64(atomic.LoadInt64(&c.parseErrors)))
	c.certWeakKeyTotal.Set(float64(atomic.LoadInt64(&c.weakKeys)))
	c.certDeprecatedTotal.Set(float64(atomic.LoadInt64(&c.deprecatedSigAlg)))
}

// UpdateDuplicateMetrics recomputes the duplicate-serial-number metrics
// from the certificates recorded since the last ResetScanMetrics.
func (c *Collector) UpdateDuplicateMetrics() {
	count := 0

	c.duplicates.Range(func(k, v any) bool {
		paths := v.([]string)
		if len(paths) <= 1 {
			return true
		}
		count++

		serial := k.(string)
		joined := joinPaths(paths)
		c.certDuplicateNames.WithLabelValues(serial, truncateLabel(c, joined)).Set(float64(len(paths)))

		return true
	})

	c.certDuplicateCount.Set(float64(count))
}

func joinPaths(paths []string) string {
	out := paths[0]
	for _, p := range paths[1:] {
		out += "," + p
	}
	return out
}

// ResetScanMetrics clears per-scan counters and their gauges at the start
// of a new scan pass, preserving historical labeled metrics until
// ClearAllCertificateMetrics is explicitly called.
func (c *Collector) ResetScanMetrics() {
	c.duplicates = sync.Map{}
	atomic.StoreInt64(&c.parseErrors, 0)
	atomic.StoreInt64(&c.weakKeys, 0)
	atomic.StoreInt64(&c.deprecatedSigAlg, 0)

	c.certsParsedTotal.Set(0)
	c.certParseErrTotal.Set(0)
	c.certWeakKeyTotal.Set(0)
	c.certDeprecatedTotal.Set(0)
	c.certDuplicateCount.Set(0)
}

// ClearAllCertificateMetrics drops every labeled certificate metric. Used
// when exclude patterns or configured directories change and stale
// per-certificate series would otherwise linger forever. Reset() on a
// GaugeVec is the built-in equivalent of the teacher's
// unregister-then-recreate pattern: it discards every label combination
// without the vector itself needing to be rebuilt.
func (c *Collector) ClearAllCertificateMetrics() {
	c.certExpiration.Reset()
	c.certSANCount.Reset()
	c.certInfo.Reset()
	c.certIssuerCode.Reset()
	c.certDuplicateNames.Reset()
	c.parseErrorNames.Reset()
}

// ResetParseErrorMetrics clears only the parse-error family, used after a
// configuration change (e.g. new PKCS#12 passwords) invalidates prior
// failures.
func (c *Collector) ResetParseErrorMetrics() {
	atomic.StoreInt64(&c.parseErrors, 0)
	c.certParseErrTotal.Set(0)
	c.parseErrorNames.Reset()
}

// UpdateProcessMetrics refreshes the app_* process health gauges. version
// is set once via appInfoSet, matching the original's "set only once"
// behavior for static info. app_memory_bytes reports the process's RSS and
// VMS, matching the original implementation's psutil-backed
// memory_info().rss/.vms, not the Go runtime's heap/sys figures (which
// track the runtime's own allocator, not the OS-level process footprint).
func (c *Collector) UpdateProcessMetrics(version, hostname string) {
	rss, vms, err := processMemoryBytes()
	if err != nil {
		slog.Warn("failed to read process memory", "error", err)
	} else {
		c.memoryBytes.WithLabelValues("rss").Set(float64(rss))
		c.memoryBytes.WithLabelValues("vms").Set(float64(vms))
	}

	c.threadCount.Set(float64(runtime.NumGoroutine()))

	if c.appInfoSet.CompareAndSwap(false, true) {
		c.appInfo.WithLabelValues(hostname, version, runtime.Version()).Set(1)
	}
}

// processMemoryBytes reads the calling process's resident set size and
// virtual memory size from /proc/self/status, the Linux-native equivalent
// of psutil's memory_info().
func processMemoryBytes() (rss, vms uint64, err error) {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/self/status: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "VmRSS:"):
			rss = parseStatusKB(line)
		case strings.HasPrefix(line, "VmSize:"):
			vms = parseStatusKB(line)
		}
	}

	return rss, vms, nil
}

// parseStatusKB parses a "Label:\t1234 kB" line from /proc/self/status into
// bytes.
func parseStatusKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}

	kb, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}

	return kb * 1024
}

// SetCPUPercent records the process's CPU usage percentage, supplied by the
// caller since Go has no direct per-process CPU-percent primitive in the
// standard library.
func (c *Collector) SetCPUPercent(pct float64) {
	c.cpuPercent.Set(pct)
}

// GetRegistryStatus returns the fields the HTTP /healthz handler merges in.
func (c *Collector) GetRegistryStatus() map[string]any {
	families, err := c.registry.Gather()
	if err != nil {
		return map[string]any{
			"prometheus_registry": map[string]any{
				"status": "error",
				"error":  err.Error(),
			},
		}
	}

	return map[string]any{
		"prometheus_registry": map[string]any{
			"status":        "healthy",
			"metrics_count": len(families),
			"registered_at": c.registeredAt.UTC().Format(time.RFC3339),
		},
	}
}

// FormatIssuerCode renders an issuer code (see certutil.IssuerCode) as a
// decimal string.
func FormatIssuerCode(code int) string {
	return fmt.Sprintf("%d", code)
}
