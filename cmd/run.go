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
	"github.com/spf13/viper"

	"tlscertmonitor/internal/application"
)

// runCmd starts the scanner, hot-reload watcher, and HTTP surface and
// blocks until a shutdown signal arrives.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the certificate monitor",
	Run: func(cmd *cobra.Command, args []string) {
		app, err := application.New()
		if err != nil {
			slog.Error("failed to initialize application", "error", err)
			os.Exit(1)
		}

		app.Up()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int("port", 3200, "Port to listen on")
	runCmd.Flags().String("bind-address", "0.0.0.0", "Address to bind to")
	runCmd.Flags().String("tls-cert", "", "TLS certificate file path (kept in the config; the HTTP listener serves plain HTTP)")
	runCmd.Flags().String("tls-key", "", "TLS private key file path (kept in the config; the HTTP listener serves plain HTTP)")
	runCmd.Flags().StringSlice("certificate-directories", []string{"/etc/ssl/certs"}, "Directories to scan for certificates")
	runCmd.Flags().StringSlice("exclude-directories", nil, "Directories to exclude from scanning")
	runCmd.Flags().StringSlice("exclude-file-patterns", []string{"dhparam.pem"}, "Regexp patterns of filenames to exclude")
	runCmd.Flags().String("scan-interval", "5m", "Interval between scans (e.g. 30s, 5m, 1h)")
	runCmd.Flags().Int("workers", 4, "Number of concurrent parsing workers")
	runCmd.Flags().Bool("dry-run", false, "Skip scheduled and API-triggered scans and API cache clears")
	runCmd.Flags().Bool("hot-reload", true, "Watch certificate directories and the config file for changes")
	runCmd.Flags().StringP("cache-type", "c", "memory", "Cache backend: memory, file, both, redis, postgres")
	runCmd.Flags().String("cache-dir", "./cache", "Directory for the file cache backend")
	runCmd.Flags().String("cache-ttl", "1h", "Cache entry TTL")
	runCmd.Flags().Int("cache-max-size", 10485760, "Cache byte budget before LRU eviction")
	runCmd.Flags().String("cache-dsn", "", "Redis/Postgres connection string")
	runCmd.Flags().Bool("enable-ip-whitelist", true, "Restrict the HTTP surface to allowed_ips")

	viper.BindPFlag("port", runCmd.Flags().Lookup("port"))
	viper.BindPFlag("bind_address", runCmd.Flags().Lookup("bind-address"))
	viper.BindPFlag("tls_cert", runCmd.Flags().Lookup("tls-cert"))
	viper.BindPFlag("tls_key", runCmd.Flags().Lookup("tls-key"))
	viper.BindPFlag("certificate_directories", runCmd.Flags().Lookup("certificate-directories"))
	viper.BindPFlag("exclude_directories", runCmd.Flags().Lookup("exclude-directories"))
	viper.BindPFlag("exclude_file_patterns", runCmd.Flags().Lookup("exclude-file-patterns"))
	viper.BindPFlag("scan_interval", runCmd.Flags().Lookup("scan-interval"))
	viper.BindPFlag("workers", runCmd.Flags().Lookup("workers"))
	viper.BindPFlag("dry_run", runCmd.Flags().Lookup("dry-run"))
	viper.BindPFlag("hot_reload", runCmd.Flags().Lookup("hot-reload"))
	viper.BindPFlag("cache_type", runCmd.Flags().Lookup("cache-type"))
	viper.BindPFlag("cache_dir", runCmd.Flags().Lookup("cache-dir"))
	viper.BindPFlag("cache_ttl", runCmd.Flags().Lookup("cache-ttl"))
	viper.BindPFlag("cache_max_size", runCmd.Flags().Lookup("cache-max-size"))
	viper.BindPFlag("cache_dsn", runCmd.Flags().Lookup("cache-dsn"))
	viper.BindPFlag("enable_ip_whitelist", runCmd.Flags().Lookup("enable-ip-whitelist"))
}
