// Package tls builds the gateway's server TLS configuration from certificate
// files, or from a directory where a self-signed pair is generated on first
// use for local HTTPS development.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	certName   = "gateway.crt"
	keyName    = "gateway.key"
	defaultTTL = 365 * 24 * time.Hour
)

// Config is the [gateway.tls] section.
type Config struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
}

// Paths returns the certificate and key locations: the explicit files when
// both are set, otherwise the fixed names inside Dir.
func (c Config) Paths() (string, string, error) {
	if c.CertFile != "" && c.KeyFile != "" {
		return c.CertFile, c.KeyFile, nil
	}
	if c.Dir != "" {
		return filepath.Join(c.Dir, certName), filepath.Join(c.Dir, keyName), nil
	}
	return "", "", errors.New("tls enabled but neither cert_file/key_file nor dir is set")
}

func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2", "tls1.2", "TLS1.2":
		return tls.VersionTLS12, nil
	case "1.3", "tls1.3", "TLS1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported tls min_version %q", v)
}

// Setup returns nil when TLS is disabled. Certificates are re-read on every
// handshake so a renewed pair is picked up without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath, err := c.Paths()
	if err != nil {
		return nil, err
	}
	if !exists(certPath) || !exists(keyPath) {
		if !c.AutoGenerate || c.Dir == "" {
			return nil, fmt.Errorf("tls certificate %s or key %s not found", certPath, keyPath)
		}
		hosts := c.Hosts
		if len(hosts) == 0 {
			hosts = []string{"localhost", "127.0.0.1"}
		}
		if err := GenerateSelfSigned(certPath, keyPath, hosts, defaultTTL); err != nil {
			return nil, err
		}
	}
	// Load once up front so a broken pair fails at boot, not on first request.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	}, nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
