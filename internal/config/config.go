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
package config

import (
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the full application configuration, unmarshaled from Viper
// (config file, environment variables under the TLS_MONITOR_ prefix, and
// CLI flags, in that order of increasing precedence).
type Config struct {
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
	TLSCert     string `mapstructure:"tls_cert"`
	TLSKey      string `mapstructure:"tls_key"`

	CertificateDirectories []string `mapstructure:"certificate_directories"`
	ExcludeDirectories     []string `mapstructure:"exclude_directories"`
	ExcludeFilePatterns    []string `mapstructure:"exclude_file_patterns"`
	P12Passwords           []string `mapstructure:"p12_passwords"`

	ScanInterval string `mapstructure:"scan_interval"`
	Workers      int    `mapstructure:"workers"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	DryRun    bool `mapstructure:"dry_run"`
	HotReload bool `mapstructure:"hot_reload"`

	CacheType    string `mapstructure:"cache_type"`
	CacheDir     string `mapstructure:"cache_dir"`
	CacheTTL     string `mapstructure:"cache_ttl"`
	CacheMaxSize int    `mapstructure:"cache_max_size"`
	CacheDSN     string `mapstructure:"cache_dsn"`

	AllowedIPs        []string `mapstructure:"allowed_ips"`
	EnableIPWhitelist bool     `mapstructure:"enable_ip_whitelist"`

	InstanceID uuid.UUID
}

var durationPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// forbiddenDirectoryPrefixes mirrors the original implementation's
// defense-in-depth list: certificate_directories must never resolve under
// any of these, even if an operator's config tries to point there.
var forbiddenDirectoryPrefixes = []string{
	"/etc/shadow",
	"/etc/passwd",
	"/etc/sudoers",
	"/private/etc/shadow",
	"/private/etc/passwd",
	"/proc",
	"/sys",
	"/dev",
	"/root/.ssh",
	"/var/log/auth.log",
	"/var/log/secure",
}

var sshWildcardPattern = regexp.MustCompile(`^/(home|Users)/[^/]+/\.ssh`)

// ParseDuration converts a scan_interval/cache_ttl string of the form
// "5m", "1h", "30s", "1d" into seconds. The grammar intentionally supports
// only a single numeric value plus a single unit letter.
func ParseDuration(value string) (int, error) {
	m := durationPattern.FindStringSubmatch(value)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: must be in format like 5m, 1h, 30s, 1d", value)
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}

	switch m[2] {
	case "s":
		return n, nil
	case "m":
		return n * 60, nil
	case "h":
		return n * 3600, nil
	case "d":
		return n * 86400, nil
	default:
		return 0, fmt.Errorf("invalid duration unit in %q", value)
	}
}

// FileUsed returns the path of the configuration file Viper loaded, or an
// empty string if configuration came entirely from flags/environment.
func FileUsed() string {
	return viper.ConfigFileUsed()
}

// ScanIntervalSeconds returns ScanInterval parsed to seconds.
func (c Config) ScanIntervalSeconds() int {
	n, err := ParseDuration(c.ScanInterval)
	if err != nil {
		return 300
	}
	return n
}

// CacheTTLSeconds returns CacheTTL parsed to seconds.
func (c Config) CacheTTLSeconds() int {
	n, err := ParseDuration(c.CacheTTL)
	if err != nil {
		return 3600
	}
	return n
}

// New loads and validates configuration from Viper, applying the same
// directory/IP/duration safety checks as the original implementation, and
// stamps a fresh instance UUID for this process.
func New() (Config, error) {
	cfg := Config{InstanceID: uuid.New()}

	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal configuration: %w", err)
	}

	cfg.CertificateDirectories = validateCertificateDirectories(cfg.CertificateDirectories)
	cfg.ExcludeFilePatterns = validateExcludePatterns(cfg.ExcludeFilePatterns)
	cfg.AllowedIPs = validateAllowedIPs(cfg.AllowedIPs)

	if _, err := ParseDuration(cfg.ScanInterval); err != nil {
		return cfg, fmt.Errorf("scan_interval: %w", err)
	}

	if _, err := ParseDuration(cfg.CacheTTL); err != nil {
		return cfg, fmt.Errorf("cache_ttl: %w", err)
	}

	switch strings.ToLower(cfg.CacheType) {
	case "memory", "file", "both", "redis", "postgres":
		cfg.CacheType = strings.ToLower(cfg.CacheType)
	default:
		return cfg, fmt.Errorf("cache_type must be one of memory, file, both, redis, postgres, got %q", cfg.CacheType)
	}

	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		cfg.LogLevel = strings.ToUpper(cfg.LogLevel)
	default:
		return cfg, fmt.Errorf("log_level must be one of DEBUG, INFO, WARNING, ERROR, got %q", cfg.LogLevel)
	}

	slog.Debug("configuration loaded", "config", cfg)

	return cfg, nil
}

// validateCertificateDirectories drops any directory that resolves under a
// forbidden system path, logging why it was dropped. Unlike the original,
// it does not require the directory to exist yet: the scanner treats a
// missing directory as empty and skips it for a backoff window before
// trying it again on a later scan.
func validateCertificateDirectories(dirs []string) []string {
	out := make([]string, 0, len(dirs))

	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			slog.Error("invalid certificate directory", "directory", dir, "error", err)
			continue
		}

		if isForbiddenDirectory(abs) {
			slog.Error("access to directory is forbidden for security reasons", "directory", dir)
			continue
		}

		out = append(out, abs)
	}

	if len(out) == 0 {
		slog.Warn("no valid certificate directories configured")
	}

	return out
}

func isForbiddenDirectory(abs string) bool {
	if sshWildcardPattern.MatchString(abs) {
		return true
	}

	for _, prefix := range forbiddenDirectoryPrefixes {
		if abs == prefix || strings.HasPrefix(abs, prefix+"/") {
			return true
		}
	}

	return false
}

// validateExcludePatterns drops any pattern that is not valid regexp
// syntax, logging why it was dropped.
func validateExcludePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))

	for _, pattern := range patterns {
		if _, err := regexp.Compile(pattern); err != nil {
			slog.Warn("invalid exclude file pattern", "pattern", pattern, "error", err)
			continue
		}
		out = append(out, pattern)
	}

	return out
}

// validateAllowedIPs drops anything that is not a valid IP address or CIDR
// network, then ensures 127.0.0.1 and ::1 are always present so health
// checks from the local machine are never locked out.
func validateAllowedIPs(ips []string) []string {
	out := make([]string, 0, len(ips)+2)

	for _, raw := range ips {
		if strings.Contains(raw, "/") {
			if _, _, err := net.ParseCIDR(raw); err != nil {
				slog.Error("invalid CIDR network in allowed_ips", "value", raw, "error", err)
				continue
			}
		} else if net.ParseIP(raw) == nil {
			slog.Error("invalid IP address in allowed_ips", "value", raw, "error", fmt.Errorf("not a valid IP"))
			continue
		}

		out = append(out, raw)
	}

	for _, localhost := range []string{"127.0.0.1", "::1"} {
		if !contains(out, localhost) {
			out = append(out, localhost)
			slog.Info("added localhost to allowed IPs for local access", "ip", localhost)
		}
	}

	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
