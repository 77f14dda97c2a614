package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig describes how the gateway verifies peers on wss:// and grpcs:// control endpoints
type TLSConfig struct {
	CAPath             string `json:"ca_cert,omitempty" yaml:"ca_cert,omitempty"`
	CertPath           string `json:"cert,omitempty" yaml:"cert,omitempty"`
	KeyPath            string `json:"key,omitempty" yaml:"key,omitempty"`
	MinTLSVersion      string `json:"min_tls_version,omitempty" yaml:"min_tls_version,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
}

// Validate checks that a client certificate is configured as a pair
func (c *TLSConfig) Validate() error {
	if (c.CertPath == "") != (c.KeyPath == "") {
		return fmt.Errorf("client certificate and key must be configured together")
	}
	return nil
}

// BuildClientConfig creates TLS configuration for outbound peer connections.
// A nil config leaves the transports on their defaults (system roots).
func (c *TLSConfig) BuildClientConfig() (*tls.Config, error) {
	if c == nil {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion:         c.tlsVersion(),
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.CAPath != "" {
		caPool, err := loadCAPool(c.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA pool: %w", err)
		}
		tlsConfig.RootCAs = caPool
	}

	if c.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return caPool, nil
}

func (c *TLSConfig) tlsVersion() uint16 {
	switch c.MinTLSVersion {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
