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
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// exampleConfig mirrors the original implementation's create_example_config
// defaults, in the order an operator would want to read them.
type exampleConfig struct {
	Port                   int      `yaml:"port"`
	BindAddress            string   `yaml:"bind_address"`
	CertificateDirectories []string `yaml:"certificate_directories"`
	ExcludeDirectories     []string `yaml:"exclude_directories"`
	ExcludeFilePatterns    []string `yaml:"exclude_file_patterns"`
	P12Passwords           []string `yaml:"p12_passwords"`
	ScanInterval           string   `yaml:"scan_interval"`
	Workers                int      `yaml:"workers"`
	LogLevel               string   `yaml:"log_level"`
	DryRun                 bool     `yaml:"dry_run"`
	HotReload              bool     `yaml:"hot_reload"`
	CacheType              string   `yaml:"cache_type"`
	CacheDir               string   `yaml:"cache_dir"`
	CacheTTL               string   `yaml:"cache_ttl"`
	CacheMaxSize           int      `yaml:"cache_max_size"`
	AllowedIPs             []string `yaml:"allowed_ips"`
	EnableIPWhitelist      bool     `yaml:"enable_ip_whitelist"`
}

var genconfigOutput string

var genconfigCmd = &cobra.Command{
	Use:   "genconfig",
	Short: "Write an example configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := exampleConfig{
			Port:                   3200,
			BindAddress:            "0.0.0.0",
			CertificateDirectories: []string{"/etc/ssl/certs", "/etc/pki/tls/certs"},
			ExcludeDirectories:     []string{"/etc/ssl/certs/private", "/etc/ssl/certs/backup"},
			ExcludeFilePatterns:    []string{"dhparam.pem", `.*\.key$`, `.*backup.*`},
			P12Passwords:           []string{"", "changeit", "password", "123456"},
			ScanInterval:           "5m",
			Workers:                4,
			LogLevel:               "INFO",
			DryRun:                 false,
			HotReload:              true,
			CacheType:              "memory",
			CacheDir:               "./cache",
			CacheTTL:               "1h",
			CacheMaxSize:           10485760,
			AllowedIPs:             []string{"127.0.0.1", "::1", "192.168.1.0/24"},
			EnableIPWhitelist:      true,
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			slog.Error("failed to marshal example configuration", "error", err)
			os.Exit(1)
		}

		if err := os.WriteFile(genconfigOutput, out, 0o644); err != nil {
			slog.Error("failed to write example configuration", "path", genconfigOutput, "error", err)
			os.Exit(1)
		}

		slog.Info("wrote example configuration", "path", genconfigOutput)
	},
}

func init() {
	rootCmd.AddCommand(genconfigCmd)

	genconfigCmd.Flags().StringVar(&genconfigOutput, "output", "config.example.yaml", "Output path for the example configuration")
}
