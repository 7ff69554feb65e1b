package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig controls the TLS upgrade of a host connection.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Hosts with
	// self-signed certificates need either this or RootCAs/CAFile.
	// Default: false.
	InsecureSkipVerify bool

	// ServerName overrides the name verified against the certificate.
	// Default: the dialed host.
	ServerName string

	// RootCAs is the pool used to verify the host. Nil falls back to
	// CAFile, then to the system pool.
	RootCAs *x509.CertPool

	// CAFile is a PEM bundle loaded when RootCAs is nil.
	CAFile string
}

// Build returns a client tls.Config for host.
func (t *TLSConfig) Build(host string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: t.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if t.ServerName != "" {
		cfg.ServerName = t.ServerName
	}

	pool := t.RootCAs
	if pool == nil && t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("transport: read CA file: %w", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("transport: no certificates in %s", t.CAFile)
		}
	}
	cfg.RootCAs = pool
	return cfg, nil
}
