// Package tls builds the client TLS settings shared by the API client and
// the push channel.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/assertedio/asrtd/internal/config"
)

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "", "default":
		return tls.VersionTLS12, true
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// ClientConfig returns the TLS config for cfg, or nil when cfg is the zero
// value and Go's defaults apply.
func ClientConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg == (config.TLSConfig{}) {
		return nil, nil
	}
	minVer, ok := parseTLSVersion(cfg.MinVersion)
	if !ok {
		return nil, fmt.Errorf("unsupported tls.min_version %q (supported: 1.2, 1.3)", cfg.MinVersion)
	}

	// #nosec G402 insecure is an explicit opt-in for self-hosted test APIs
	tc := &tls.Config{
		MinVersion:         minVer,
		InsecureSkipVerify: cfg.Insecure,
	}
	if cfg.CAFile != "" {
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// HTTPClient returns an HTTP client using ClientConfig, or nil when the
// default client will do.
func HTTPClient(cfg config.TLSConfig) (*http.Client, error) {
	tc, err := ClientConfig(cfg)
	if err != nil || tc == nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tc
	return &http.Client{Transport: transport}, nil
}

// loadCAPool appends the PEM certificates in path to the system roots.
func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no PEM certificates found in %s", path)
	}
	return pool, nil
}
