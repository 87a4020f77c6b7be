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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"30s", 30, false},
		{"5m", 300, false},
		{"1h", 3600, false},
		{"1d", 86400, false},
		{"", 0, true},
		{"5", 0, true},
		{"5x", 0, true},
		{"m5", 0, true},
	}

	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		assert.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestValidateCertificateDirectories_DropsForbidden(t *testing.T) {
	dirs := validateCertificateDirectories([]string{
		"/etc/ssl/certs",
		"/etc/shadow",
		"/proc/self",
		"/root/.ssh",
		"/home/alice/.ssh",
	})

	assert.Contains(t, dirs, "/etc/ssl/certs")
	assert.NotContains(t, dirs, "/etc/shadow")

	for _, d := range dirs {
		assert.False(t, isForbiddenDirectory(d), d)
	}
}

func TestValidateExcludePatterns_DropsInvalidRegex(t *testing.T) {
	patterns := validateExcludePatterns([]string{`dhparam\.pem`, `[unterminated`})

	assert.Contains(t, patterns, `dhparam\.pem`)
	assert.NotContains(t, patterns, `[unterminated`)
}

func TestValidateAllowedIPs_AlwaysIncludesLocalhost(t *testing.T) {
	ips := validateAllowedIPs([]string{"192.168.1.0/24", "not-an-ip"})

	assert.Contains(t, ips, "192.168.1.0/24")
	assert.NotContains(t, ips, "not-an-ip")
	assert.Contains(t, ips, "127.0.0.1")
	assert.Contains(t, ips, "::1")
}

func TestValidateAllowedIPs_DoesNotDuplicateLocalhost(t *testing.T) {
	ips := validateAllowedIPs([]string{"127.0.0.1", "::1"})

	count := 0
	for _, ip := range ips {
		if ip == "127.0.0.1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestConfig_ScanIntervalSeconds_FallsBackOnInvalid(t *testing.T) {
	c := Config{ScanInterval: "garbage"}
	assert.Equal(t, 300, c.ScanIntervalSeconds())
}

func TestConfig_CacheTTLSeconds_FallsBackOnInvalid(t *testing.T) {
	c := Config{CacheTTL: "garbage"}
	assert.Equal(t, 3600, c.CacheTTLSeconds())
}
