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

// Package certutil parses X.509 certificate files (PEM, DER, PKCS#12) and
// derives the security-relevant attributes the scanner and metrics registry
// need: expiry, key strength, signature-algorithm hygiene, and display names.
package certutil

import (
	"crypto/dsa" //nolint:staticcheck // DSA key-size classification is required by the weak-key policy.
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// SupportedExtensions are the case-folded file extensions the scanner treats
// as candidate certificate files.
var SupportedExtensions = map[string]bool{
	".pem":  true,
	".crt":  true,
	".cer":  true,
	".cert": true,
	".der":  true,
	".p12":  true,
	".pfx":  true,
}

// Record is the certificate record produced by parsing a single file.
type Record struct {
	CommonName                string    `json:"common_name"`
	Issuer                    string    `json:"issuer"`
	Subject                   string    `json:"subject"`
	SerialNumber              string    `json:"serial_number"`
	NotBefore                 time.Time `json:"not_before"`
	NotAfter                  time.Time `json:"not_after"`
	ExpirationTimestamp       int64     `json:"expiration_timestamp"`
	DaysUntilExpiry           int       `json:"days_until_expiry"`
	SANs                      []string  `json:"sans"`
	SANCount                  int       `json:"san_count"`
	SignatureAlgorithm        string    `json:"signature_algorithm"`
	PublicKeyAlgorithm        string    `json:"public_key_algorithm"`
	KeySize                   int       `json:"key_size"`
	IsWeakKey                 bool      `json:"is_weak_key"`
	IsDeprecatedSigAlg        bool      `json:"is_deprecated_sigalg"`
	Version                   int       `json:"version"`
	Path                      string    `json:"path"`
	Filename                  string    `json:"filename"`
	FileSize                  int64     `json:"file_size"`
	FileModTime               time.Time `json:"file_mtime"`
}

// DecodeRecord decodes raw into a *Record. It matches cache.ValueDecoder's
// signature so a scanner's cache can be told how to re-type a Record
// reloaded from a persistence backend, where it would otherwise come back
// as a generic map and fail the worker's type assertion.
func DecodeRecord(raw json.RawMessage) (any, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode cached certificate record: %w", err)
	}
	return &r, nil
}

// HasCertificateExtension reports whether path carries one of
// SupportedExtensions, case-insensitively.
func HasCertificateExtension(path string) bool {
	return SupportedExtensions[strings.ToLower(extOf(path))]
}

// ParseFile parses a single certificate file, dispatching to the PKCS#12 or
// PEM/DER path based on its extension. passwords is tried in full for
// PKCS#12 files, per the constant-time trial policy (see TryPKCS12).
func ParseFile(path string, passwords []string) (*Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	ext := strings.ToLower(extOf(path))

	var cert *x509.Certificate

	if ext == ".p12" || ext == ".pfx" {
		cert, err = TryPKCS12(data, passwords)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs12 %s: %w", path, err)
		}
	} else {
		cert, err = parsePEMOrDER(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	return extract(cert, path, info), nil
}

func extOf(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return path[i:]
}

// parsePEMOrDER tries a PEM decode first (possibly multiple blocks, the
// first CERTIFICATE block wins), falling back to a raw DER parse.
func parsePEMOrDER(data []byte) (*x509.Certificate, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("not a valid PEM or DER certificate: %w", err)
	}
	return cert, nil
}

// TryPKCS12 attempts to decode a PKCS#12 blob with every password in the
// list, in order, retaining only the first certificate that decodes
// successfully. Every password is attempted even after a match, so that an
// observer timing the call cannot infer which password (or how many)
// succeeded. This is explicit in the original implementation and must be
// preserved.
func TryPKCS12(data []byte, passwords []string) (*x509.Certificate, error) {
	var found *x509.Certificate

	for _, pw := range passwords {
		_, cert, err := pkcs12.Decode(data, pw)
		if err == nil && found == nil {
			found = cert
		}
	}

	if found == nil {
		return nil, fmt.Errorf("could not decrypt PKCS#12 file with any provided password")
	}

	return found, nil
}

func extract(cert *x509.Certificate, path string, info os.FileInfo) *Record {
	keySize, pubAlg := publicKeyInfo(cert)
	sigAlg := cert.SignatureAlgorithm.String()

	r := &Record{
		CommonName:          commonName(cert.Subject),
		Issuer:              issuerName(cert.Issuer),
		Subject:             cert.Subject.String(),
		SerialNumber:        cert.SerialNumber.String(),
		NotBefore:           cert.NotBefore.UTC(),
		NotAfter:            cert.NotAfter.UTC(),
		ExpirationTimestamp: cert.NotAfter.UTC().Unix(),
		DaysUntilExpiry:     int(time.Until(cert.NotAfter).Hours() / 24),
		SANs:                sanList(cert),
		SignatureAlgorithm:  sigAlg,
		PublicKeyAlgorithm:  pubAlg,
		KeySize:             keySize,
		Version:             cert.Version,
		Path:                path,
		Filename:            filenameOf(path),
		FileSize:            info.Size(),
		FileModTime:         info.ModTime().UTC(),
	}
	r.SANCount = len(r.SANs)
	r.IsWeakKey = IsWeakKey(pubAlg, keySize)
	r.IsDeprecatedSigAlg = IsDeprecatedSignatureAlgorithm(sigAlg)

	return r
}

func filenameOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return path
	}
	return path[i+1:]
}

// commonName returns the Subject CN, or "" if absent.
func commonName(name pkix.Name) string {
	if name.CommonName != "" {
		return name.CommonName
	}
	return ""
}

// issuerName returns the Issuer CN, falling back to the Issuer Organization,
// and finally to "unknown".
func issuerName(name pkix.Name) string {
	if name.CommonName != "" {
		return name.CommonName
	}
	if len(name.Organization) > 0 && name.Organization[0] != "" {
		return name.Organization[0]
	}
	return "unknown"
}

func sanList(cert *x509.Certificate) []string {
	sans := make([]string, 0, len(cert.DNSNames)+len(cert.IPAddresses)+len(cert.EmailAddresses))
	sans = append(sans, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		sans = append(sans, ip.String())
	}
	sans = append(sans, cert.EmailAddresses...)
	return sans
}

// publicKeyInfo returns the key's bit length and its algorithm family
// (RSA/DSA/ECDSA/other). Unavailable bit-length is reported as 0.
func publicKeyInfo(cert *x509.Certificate) (int, string) {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return pub.N.BitLen(), "RSA"
	case *dsa.PublicKey:
		return pub.P.BitLen(), "DSA"
	case *ecdsa.PublicKey:
		return pub.Curve.Params().BitSize, "ECDSA"
	default:
		return 0, "other"
	}
}

// IsWeakKey classifies a key as weak given its algorithm family and bit
// size. ecdsa/ec is tested before rsa because the substring "ecdsa"
// contains "rsa"; an unrecognized family is treated as RSA.
func IsWeakKey(family string, bits int) bool {
	f := strings.ToLower(family)

	switch {
	case strings.Contains(f, "ecdsa") || strings.Contains(f, "ec"):
		return bits < 256
	case strings.Contains(f, "dsa"):
		return bits < 2048
	case strings.Contains(f, "rsa"):
		return bits < 2048
	default:
		return bits < 2048
	}
}

var deprecatedSigAlgSubstrings = []string{"md5", "sha1", "md2", "md4"}

// IsDeprecatedSignatureAlgorithm reports whether the algorithm name
// contains any of the known-weak hash substrings, case-insensitively.
func IsDeprecatedSignatureAlgorithm(name string) bool {
	lower := strings.ToLower(name)
	for _, substr := range deprecatedSigAlgSubstrings {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

// IssuerCode classifies an issuer display name into the legacy numeric
// codes the metrics registry exposes. Matching is substring,
// case-insensitive, checked in this order.
func IssuerCode(issuer string) int {
	lower := strings.ToLower(issuer)

	switch {
	case strings.Contains(lower, "digicert"):
		return 30
	case strings.Contains(lower, "amazon") || strings.Contains(lower, "aws"):
		return 31
	case strings.Contains(lower, "self-signed") || strings.Contains(lower, "localhost") || strings.Contains(lower, "127.0.0.1"):
		return 33
	default:
		return 32
	}
}
