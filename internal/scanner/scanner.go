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

// Package scanner walks the configured certificate directories, parses every
// matching file through a bounded worker pool, and publishes the results to
// the metrics registry, skipping unchanged files via the cache.
package scanner

import (
	"context"
	"io/fs"
	"log/slog"
	"math/rand"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"tlscertmonitor/internal/cache"
	"tlscertmonitor/internal/certutil"
	"tlscertmonitor/internal/metrics"
)

// DirectorySummary is the per-directory result of one scan pass.
type DirectorySummary struct {
	Directory  string    `json:"directory"`
	FilesTotal int       `json:"files_total"`
	Parsed     int       `json:"parsed"`
	Errors     int       `json:"errors"`
	Duration   float64   `json:"duration_seconds"`
	LastScan   time.Time `json:"last_scan"`
}

// Summary is the aggregate result returned by ScanOnce and exposed at /scan.
type Summary struct {
	FilesTotal  int                `json:"files_total"`
	Parsed      int                `json:"parsed"`
	Errors      int                `json:"errors"`
	Duration    float64            `json:"duration_seconds"`
	Timestamp   time.Time          `json:"timestamp"`
	Directories []DirectorySummary `json:"directories"`
}

// Config controls a Scanner's behavior. It is a narrow projection of
// config.Config so the scanner package has no dependency on the config
// package (the application wires the two together).
type Config struct {
	Directories     []string
	ExcludeDirs     []string
	ExcludePatterns []string
	P12Passwords    []string
	Workers         int
}

// maxDirectoryBackoff caps how long a repeatedly-failing directory is
// skipped before the next scan gives it another try.
const maxDirectoryBackoff = 10 * time.Minute

// Scanner owns one scan pass's lifecycle: discovery, bounded parsing, and
// metrics publication. It holds no persistent goroutines of its own; the
// application schedules ScanOnce on a ticker or in response to a hot-reload
// event.
type Scanner struct {
	// scanMu serializes ScanOnce so two scans never run at the same time.
	scanMu sync.Mutex

	mu      sync.Mutex
	cfg     Config
	cache   *cache.Cache
	metrics *metrics.Collector

	excludeRegexps []*regexp.Regexp
	lastSummary    Summary

	backoffMu sync.Mutex
	backoff   map[string]time.Time
}

// New builds a Scanner. Invalid exclude patterns are dropped with a warning
// rather than failing construction, matching config.validateExcludePatterns.
func New(cfg Config, c *cache.Cache, m *metrics.Collector) *Scanner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	s := &Scanner{cfg: cfg, cache: c, metrics: m, backoff: make(map[string]time.Time)}

	for _, pattern := range cfg.ExcludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Warn("dropping invalid exclude pattern", "pattern", pattern, "error", err)
			continue
		}
		s.excludeRegexps = append(s.excludeRegexps, re)
	}

	return s
}

// UpdateConfig swaps in a new Config, used after hot-reload detects a
// changed configuration file.
func (s *Scanner) UpdateConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	var excl []*regexp.Regexp
	for _, pattern := range cfg.ExcludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Warn("dropping invalid exclude pattern", "pattern", pattern, "error", err)
			continue
		}
		excl = append(excl, re)
	}

	s.cfg = cfg
	s.excludeRegexps = excl
}

func (s *Scanner) snapshotConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// job is one file queued for parsing by the worker pool.
type job struct {
	directory string
	path      string
	info      fs.FileInfo
}

type result struct {
	directory string
	record    *certutil.Record
	err       error
	path      string
}

// ScanOnce walks every configured directory, parses every eligible file
// through a bounded worker pool, and returns the aggregate summary.
// Directories that failed on a recent pass are skipped until their backoff
// window elapses (see registerScanFailure). Concurrent calls run one after
// another.
func (s *Scanner) ScanOnce(ctx context.Context) Summary {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	cfg := s.snapshotConfig()

	s.metrics.ResetScanMetrics()

	jobs := make(chan job, cfg.Workers*2)
	results := make(chan result, cfg.Workers*2)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go s.worker(ctx, cfg, jobs, results, &wg)
	}

	summaries := make(map[string]*DirectorySummary, len(cfg.Directories))
	for _, dir := range cfg.Directories {
		summaries[dir] = &DirectorySummary{Directory: dir}
	}

	var collectWG sync.WaitGroup
	collectWG.Add(1)
	go func() {
		defer collectWG.Done()
		for r := range results {
			ds := summaries[r.directory]
			if r.err != nil {
				ds.Errors++
				s.metrics.RecordParseError(filepath.Base(r.path), classifyError(r.err), r.err.Error())
				continue
			}
			ds.Parsed++
			s.publish(r.record)
		}
	}()

	started := time.Now()

	for _, dir := range cfg.Directories {
		if s.shouldSkipDirectory(dir) {
			continue
		}

		dirStart := time.Now()
		files := s.discover(ctx, dir, cfg)
		summaries[dir].FilesTotal = len(files)

		for _, f := range files {
			select {
			case <-ctx.Done():
			case jobs <- job{directory: dir, path: f.path, info: f.info}:
			}
		}

		summaries[dir].Duration = time.Since(dirStart).Seconds()
		summaries[dir].LastScan = time.Now()
	}

	close(jobs)
	wg.Wait()
	close(results)
	collectWG.Wait()

	s.metrics.UpdateDuplicateMetrics()

	totalFiles, totalParsed, totalErrors := 0, 0, 0
	dirList := make([]DirectorySummary, 0, len(summaries))
	for _, dir := range cfg.Directories {
		ds := summaries[dir]
		totalFiles += ds.FilesTotal
		totalParsed += ds.Parsed
		totalErrors += ds.Errors
		s.metrics.UpdateScanMetrics(dir, time.Duration(ds.Duration*float64(time.Second)), ds.FilesTotal, totalParsed)
		dirList = append(dirList, *ds)
	}

	summary := Summary{
		FilesTotal:  totalFiles,
		Parsed:      totalParsed,
		Errors:      totalErrors,
		Duration:    time.Since(started).Seconds(),
		Timestamp:   time.Now(),
		Directories: dirList,
	}

	s.mu.Lock()
	s.lastSummary = summary
	s.mu.Unlock()

	return summary
}

// LastSummary returns the result of the most recently completed ScanOnce.
func (s *Scanner) LastSummary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSummary
}

type discoveredFile struct {
	path string
	info fs.FileInfo
}

// discover walks dir once, skipping excluded subdirectories and files that
// match an exclude pattern or don't carry a recognized certificate
// extension. A walk failure puts dir into backoff (see registerScanFailure) so
// repeated scans don't hammer a directory that is persistently unreadable
// (a bad mount, a permissions change); a clean walk clears any prior
// backoff for it.
func (s *Scanner) discover(ctx context.Context, dir string, cfg Config) []discoveredFile {
	files, err := s.walk(dir, cfg)
	if err != nil {
		slog.Warn("directory walk failed", "directory", dir, "error", err)
		s.registerScanFailure(dir)
		return nil
	}

	s.clearBackoff(dir)
	return files
}

// shouldSkipDirectory reports whether dir is still within its backoff
// window from a prior failed scan, clearing the entry once it has expired.
func (s *Scanner) shouldSkipDirectory(dir string) bool {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()

	nextAllowed, ok := s.backoff[dir]
	if !ok {
		return false
	}

	if time.Now().Before(nextAllowed) {
		slog.Debug("directory scan skipped due to backoff", "directory", dir, "backoff_until", nextAllowed)
		return true
	}

	delete(s.backoff, dir)
	return false
}

// registerScanFailure puts dir into backoff for 30s plus up to 10s of jitter,
// so directories on the same failing mount don't all retry in lockstep. When
// dir is still inside an earlier window, the delay is instead twice the time
// remaining in it, capped at maxDirectoryBackoff. ScanOnce only walks a
// directory after its window has elapsed, and shouldSkipDirectory drops the
// expired entry, so each failure seen by ScanOnce starts a fresh 30s window;
// the delay does not grow across consecutive failed scans.
func (s *Scanner) registerScanFailure(dir string) {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()

	now := time.Now()
	delay := 30 * time.Second

	if until, ok := s.backoff[dir]; ok {
		if remaining := until.Sub(now); remaining > 0 {
			delay = remaining * 2
		}
		if delay <= 0 || delay > maxDirectoryBackoff {
			delay = maxDirectoryBackoff
		}
	}

	jitter := time.Duration(rand.Int63n(int64(10 * time.Second)))
	s.backoff[dir] = now.Add(delay + jitter)
}

func (s *Scanner) clearBackoff(dir string) {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	delete(s.backoff, dir)
}

func (s *Scanner) walk(dir string, cfg Config) ([]discoveredFile, error) {
	var out []discoveredFile

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			slog.Warn("skipping path", "path", path, "error", err)
			return nil
		}

		if d.IsDir() {
			if path != dir && isExcludedDir(path, cfg.ExcludeDirs) {
				return filepath.SkipDir
			}
			return nil
		}

		if !certutil.HasCertificateExtension(path) {
			return nil
		}

		if s.isExcludedFile(filepath.Base(path)) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("stat failed", "path", path, "error", err)
			return nil
		}

		out = append(out, discoveredFile{path: path, info: info})
		return nil
	})

	return out, err
}

func isExcludedDir(path string, excludes []string) bool {
	for _, ex := range excludes {
		if path == ex || filepath.Dir(path) == ex {
			return true
		}
	}
	return false
}

func (s *Scanner) isExcludedFile(name string) bool {
	for _, re := range s.excludeRegexps {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func (s *Scanner) worker(ctx context.Context, cfg Config, jobs <-chan job, results chan<- result, wg *sync.WaitGroup) {
	defer wg.Done()

	for j := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		key := cache.MakeKey(j.path, j.info.Size(), j.info.ModTime().Unix())

		if cached, ok := s.cache.Get(key); ok {
			if record, ok := cached.(*certutil.Record); ok {
				results <- result{directory: j.directory, record: record, path: j.path}
				continue
			}
		}

		record, err := certutil.ParseFile(j.path, cfg.P12Passwords)
		if err != nil {
			results <- result{directory: j.directory, err: err, path: j.path}
			continue
		}

		s.cache.Set(key, record, 0)
		results <- result{directory: j.directory, record: record, path: j.path}
	}
}

func (s *Scanner) publish(r *certutil.Record) {
	s.metrics.UpdateCertificateMetrics(metrics.CertificateLabels{
		CommonName: r.CommonName,
		Issuer:     r.Issuer,
		Path:       r.Path,
		Serial:     r.SerialNumber,
	}, r.Subject, r.ExpirationTimestamp, r.SANCount, certutil.IssuerCode(r.Issuer), r.IsWeakKey, r.IsDeprecatedSigAlg)
}

func classifyError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "pkcs12"):
		return "pkcs12_error"
	case strings.Contains(msg, "x509"):
		return "x509_error"
	default:
		return "parse_error"
	}
}
