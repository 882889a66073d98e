package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New()
	e.FromList([]string{"PATH=/usr/bin", "PORT=5000", "HOST=localhost"})
	e.Set("FORCE_COLOR", "1")
	out := e.Merge([]string{"PORT=8001", "URL=http://${HOST}:8001", "=skipped"})

	assert.Equal(t, []string{
		"FORCE_COLOR=1",
		"HOST=localhost",
		"PATH=/usr/bin",
		"PORT=8001",
		"URL=http://localhost:8001",
	}, out)
}

func TestLookupPrefersGlobals(t *testing.T) {
	e := New()
	e.FromList([]string{"LOG_LEVEL=info"})
	v, ok := e.Lookup("LOG_LEVEL")
	require.True(t, ok)
	assert.Equal(t, "info", v)

	e.Set("LOG_LEVEL", "debug")
	assert.Equal(t, "debug", e.Get("LOG_LEVEL"))
	_, ok = e.Lookup("MISSING")
	assert.False(t, ok)
}

func TestLoadFileKeepsExportedValues(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nexport JWT_SECRET=\"abc\"\nDATABASE_URL=postgres://file\n\nNOEQ\nPORT='5001'\n"
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))

	e := New()
	e.FromList([]string{"DATABASE_URL=postgres://shell"})
	require.NoError(t, e.LoadFile(p, false))
	assert.Equal(t, "postgres://shell", e.Get("DATABASE_URL"))
	assert.Equal(t, "abc", e.Get("JWT_SECRET"))
	assert.Equal(t, "5001", e.Get("PORT"))

	require.NoError(t, e.LoadFile(p, true))
	assert.Equal(t, "postgres://file", e.Get("DATABASE_URL"))

	assert.Error(t, e.LoadFile(filepath.Join(t.TempDir(), "missing.env"), false))
}
