// Package certs generates the self-signed ECDSA P-256 certificate the
// collector serves over QUIC, and the pinned TLS configs both ends use.
package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// NextProto is the ALPN token of the replay upload protocol.
const NextProto = "replay-upload/1"

const defaultValidity = 14 * 24 * time.Hour

// ErrFingerprintMismatch is returned by the pinned client config when the
// server presents a certificate other than the expected one.
var ErrFingerprintMismatch = errors.New("certs: certificate fingerprint mismatch")

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintHex returns the SHA-256 fingerprint as lowercase hex.
func (c *CertInfo) FingerprintHex() string {
	return hex.EncodeToString(c.Fingerprint[:])
}

// ServerConfig returns a TLS config serving this certificate.
func (c *CertInfo) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13,
	}
}

// Generate creates a self-signed certificate for localhost plus any extra
// host names or IP addresses. A non-positive validity means 14 days.
func Generate(validity time.Duration, hosts ...string) (*CertInfo, error) {
	if validity <= 0 {
		validity = defaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "replay-collector"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}

// ParseFingerprint decodes a hex SHA-256 fingerprint. Colons, as printed
// by openssl, are accepted.
func ParseFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	raw, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
	if err != nil {
		return fp, fmt.Errorf("certs: fingerprint: %w", err)
	}
	if len(raw) != len(fp) {
		return fp, fmt.Errorf("certs: fingerprint is %d bytes, want %d", len(raw), len(fp))
	}
	copy(fp[:], raw)
	return fp, nil
}

// PinnedClientConfig returns a client TLS config that accepts exactly the
// certificate with the given fingerprint instead of verifying a chain.
func PinnedClientConfig(fingerprint [32]byte) *tls.Config {
	return &tls.Config{
		NextProtos:         []string{NextProto},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // replaced by the fingerprint check below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrFingerprintMismatch
			}
			sum := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(sum[:], fingerprint[:]) {
				return ErrFingerprintMismatch
			}
			return nil
		},
	}
}
