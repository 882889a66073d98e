package tls

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetupRequiresSource(t *testing.T) {
	_, err := Setup(Config{Enabled: true})
	assert.Error(t, err)

	_, err = Setup(Config{Enabled: true, Dir: t.TempDir()})
	assert.ErrorContains(t, err, "not found")

	_, err = Setup(Config{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"})
	assert.ErrorContains(t, err, "min_version")
}

func TestSetupAutoGenerateServesHTTPS(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.3"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	st, err := os.Stat(filepath.Join(dir, keyName))
	require.NoError(t, err)
	if st.Mode().Perm()&0o077 != 0 && os.PathSeparator == '/' {
		t.Fatalf("key file is group/world readable: %v", st.Mode())
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	srv.TLS = cfg
	srv.StartTLS()
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{
		// ServerName forces SNI so GetCertificate serves the generated pair
		// rather than httptest's built-in certificate.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true, ServerName: "localhost"}, // #nosec G402
	}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
	require.NotNil(t, resp.TLS)
	assert.Contains(t, resp.TLS.PeerCertificates[0].DNSNames, "localhost")
}

func TestSetupKeepsExistingPair(t *testing.T) {
	dir := t.TempDir()
	cert, key := filepath.Join(dir, "c.pem"), filepath.Join(dir, "k.pem")
	require.NoError(t, GenerateSelfSigned(cert, key, []string{"gateway.local"}, time.Hour))
	before, err := os.ReadFile(cert)
	require.NoError(t, err)

	cfg, err := Setup(Config{Enabled: true, CertFile: cert, KeyFile: key})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	after, err := os.ReadFile(cert)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	c, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, c.Certificate)
}
