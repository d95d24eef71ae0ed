package server

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSOptions defines server options for TLS.
type TLSOptions struct {
	CertFile          string // PEM-encoded server certificate
	KeyFile           string // PEM-encoded private key
	ClientCAFile      string // Optional: PEM-encoded CA cert for client verification
	RequireClientCert bool   // Enforce mTLS
}

func (o TLSOptions) Enabled() bool {
	return o.CertFile != "" || o.KeyFile != ""
}

// BuildTLSConfig loads the key pair and, when a client CA is given, the pool
// used to verify client certificates.
func BuildTLSConfig(opts TLSOptions) (*tls.Config, error) {
	if opts.CertFile == "" || opts.KeyFile == "" {
		return nil, errors.New("both a certificate and a key file are required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}

	// Setup mTLS if CA is provided
	if opts.ClientCAFile != "" {
		caCert, err := os.ReadFile(opts.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("invalid client CA cert")
		}
		tlsConfig.ClientCAs = caPool

		if opts.RequireClientCert {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	return tlsConfig, nil
}
