package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/null-create/mdt-mcp/pkg/config"
	"github.com/null-create/mdt-mcp/pkg/server"
)

func TestTLSOptions(t *testing.T) {
	assert.Equal(t, server.TLSOptions{}, tlsOptions(config.HTTPConfig{}))
	assert.False(t, tlsOptions(config.HTTPConfig{}).Enabled())

	got := tlsOptions(config.HTTPConfig{
		TLSCertFile:          "server.pem",
		TLSKeyFile:           "server.key",
		TLSClientCA:          "ca.pem",
		TLSRequireClientCert: true,
	})
	assert.Equal(t, server.TLSOptions{
		CertFile:          "server.pem",
		KeyFile:           "server.key",
		ClientCAFile:      "ca.pem",
		RequireClientCert: true,
	}, got)
}
