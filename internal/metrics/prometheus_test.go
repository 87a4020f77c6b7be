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

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_UpdateCertificateMetrics(t *testing.T) {
	c := New("test")

	c.UpdateCertificateMetrics(CertificateLabels{
		CommonName: "example.com",
		Issuer:     "DigiCert Inc",
		Path:       "/etc/ssl/certs/example.pem",
		Serial:     "1234",
	}, "CN=example.com", 1893456000, 2, 30, false, false)

	families, err := c.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollector_UpdateCertificateMetrics_TruncatesLongSubject(t *testing.T) {
	c := New("test")

	long := ""
	for i := 0; i < 200; i++ {
		long += "x"
	}

	c.UpdateCertificateMetrics(CertificateLabels{Path: "/a.pem", Serial: "1"}, long, 0, 0, 32, false, false)

	assert.Equal(t, 1.0, gatherCounter(t, c, "ssl_cert_labels_truncated_total"))
}

func TestCollector_ResetScanMetrics(t *testing.T) {
	c := New("test")

	c.UpdateCertificateMetrics(CertificateLabels{Path: "/a.pem", Serial: "1"}, "", 0, 0, 32, true, true)
	c.UpdateScanMetrics("/etc/ssl/certs", 0, 1, 1)

	c.ResetScanMetrics()

	assert.Equal(t, 0.0, gatherGauge(t, c, "ssl_cert_weak_key_total"))
	assert.Equal(t, 0.0, gatherGauge(t, c, "ssl_cert_deprecated_sigalg_total"))
}

func TestCollector_UpdateDuplicateMetrics(t *testing.T) {
	c := New("test")

	c.UpdateCertificateMetrics(CertificateLabels{Path: "/a.pem", Serial: "dup"}, "", 0, 0, 32, false, false)
	c.UpdateCertificateMetrics(CertificateLabels{Path: "/b.pem", Serial: "dup"}, "", 0, 0, 32, false, false)
	c.UpdateCertificateMetrics(CertificateLabels{Path: "/c.pem", Serial: "unique"}, "", 0, 0, 32, false, false)

	c.UpdateDuplicateMetrics()

	assert.Equal(t, 1.0, gatherGauge(t, c, "ssl_cert_duplicate_count"))
}

func TestCollector_ClearAllCertificateMetrics(t *testing.T) {
	c := New("test")

	c.UpdateCertificateMetrics(CertificateLabels{Path: "/a.pem", Serial: "1"}, "", 0, 0, 32, false, false)
	c.ClearAllCertificateMetrics()

	families, err := c.registry.Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() == "ssl_cert_info" {
			assert.Empty(t, f.GetMetric())
		}
	}
}

func TestCollector_RecordParseError(t *testing.T) {
	c := New("test")

	c.RecordParseError("bad.pem", "parse_error", "invalid PEM block")

	assert.Equal(t, int64(1), c.parseErrors)
	assert.Equal(t, 1.0, gatherVecGauge(t, c, "ssl_cert_parse_error_names"))
}

func TestCollector_ResetParseErrorMetrics(t *testing.T) {
	c := New("test")

	c.RecordParseError("bad.pem", "parse_error", "invalid PEM block")
	c.ResetParseErrorMetrics()

	assert.Equal(t, int64(0), c.parseErrors)
	assert.Equal(t, 0.0, gatherGauge(t, c, "ssl_cert_parse_errors_total"))
}

func TestCollector_UpdateProcessMetrics_SetsAppInfoOnce(t *testing.T) {
	c := New("1.0.0")

	c.UpdateProcessMetrics("1.0.0", "host")
	c.UpdateProcessMetrics("1.0.0", "host")

	assert.True(t, c.appInfoSet.Load())
	assert.Equal(t, 1.0, gatherVecGauge(t, c, "app_info"))
}

func TestCollector_UpdateProcessMetrics_ReportsRSSAndVMS(t *testing.T) {
	c := New("1.0.0")

	c.UpdateProcessMetrics("1.0.0", "host")

	byType := gatherVecGaugeByLabel(t, c, "app_memory_bytes")
	assert.Greater(t, byType["rss"], 0.0, "rss must reflect the process's actual resident set size")
	assert.Greater(t, byType["vms"], 0.0, "vms must reflect the process's actual virtual memory size")
}

func TestCollector_SetCPUPercent(t *testing.T) {
	c := New("test")
	c.SetCPUPercent(12.5)

	assert.Equal(t, 12.5, gatherGauge(t, c, "app_cpu_percent"))
}

func TestCollector_GetRegistryStatus(t *testing.T) {
	c := New("test")

	status := c.GetRegistryStatus()
	registry, ok := status["prometheus_registry"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "healthy", registry["status"])
}

func gatherGauge(t *testing.T, c *Collector, name string) float64 {
	t.Helper()

	families, err := c.registry.Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			return m.GetGauge().GetValue()
		}
	}

	t.Fatalf("gauge %s not found", name)
	return 0
}

func gatherCounter(t *testing.T, c *Collector, name string) float64 {
	t.Helper()

	families, err := c.registry.Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			return m.GetCounter().GetValue()
		}
	}

	t.Fatalf("counter %s not found", name)
	return 0
}

func gatherVecGauge(t *testing.T, c *Collector, name string) float64 {
	t.Helper()

	families, err := c.registry.Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		if len(f.GetMetric()) == 0 {
			t.Fatalf("gauge vec %s has no label combinations", name)
		}
		return f.GetMetric()[0].GetGauge().GetValue()
	}

	t.Fatalf("gauge vec %s not found", name)
	return 0
}

// gatherVecGaugeByLabel returns every label combination of a single-label
// gauge vec keyed by that label's value.
func gatherVecGaugeByLabel(t *testing.T, c *Collector, name string) map[string]float64 {
	t.Helper()

	families, err := c.registry.Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}

		out := make(map[string]float64, len(f.GetMetric()))
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				out[lp.GetValue()] = m.GetGauge().GetValue()
			}
		}
		return out
	}

	t.Fatalf("gauge vec %s not found", name)
	return nil
}
