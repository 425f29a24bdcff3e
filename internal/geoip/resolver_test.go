package geoip

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taofu-labs/tpn-core/internal/model"
)

func writeManifest(t *testing.T, dir string) string {
	countryFile := filepath.Join(dir, "country.csv")
	require.NoError(t, os.WriteFile(countryFile, []byte("203.0.113.0/24,US\n198.51.100.0/24,DE\n"), 0o600))

	dcFile := filepath.Join(dir, "datacenter.csv")
	require.NoError(t, os.WriteFile(dcFile, []byte("203.0.113.0/24,US\n"), 0o600))

	manifestPath := filepath.Join(dir, "manifest.yaml")
	content := "sources:\n  - path: " + countryFile + "\n    kind: country\n  - path: " + dcFile + "\n    kind: datacenter\n"
	require.NoError(t, os.WriteFile(manifestPath, []byte(content), 0o600))
	return manifestPath
}

func TestIPGeodata_ResolvesFromRanges(t *testing.T) {
	dir := t.TempDir()
	r, err := New(16)
	require.NoError(t, err)
	require.NoError(t, r.LoadManifest(writeManifest(t, dir)))

	dc, err := r.IPGeodata("203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, "US", dc.CountryCode)
	assert.True(t, dc.Datacenter)
	assert.Equal(t, model.ConnectionDatacenter, dc.ConnectionType)

	residential, err := r.IPGeodata("198.51.100.9")
	require.NoError(t, err)
	assert.Equal(t, "DE", residential.CountryCode)
	assert.False(t, residential.Datacenter)
	assert.Equal(t, model.ConnectionResidential, residential.ConnectionType)
}

func TestIPGeodata_UnknownIPReturnsUnknownConnection(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)

	result, err := r.IPGeodata("1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionUnknown, result.ConnectionType)
}

func TestIPGeodata_InvalidIPErrors(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)

	_, err = r.IPGeodata("not-an-ip")
	assert.Error(t, err)
}

func TestIPGeodata_CachesResult(t *testing.T) {
	dir := t.TempDir()
	r, err := New(16)
	require.NoError(t, err)
	require.NoError(t, r.LoadManifest(writeManifest(t, dir)))

	first, err := r.IPGeodata("203.0.113.5")
	require.NoError(t, err)

	r.ranges = nil // simulate source unload; cache should still serve the prior answer
	second, err := r.IPGeodata("203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMapIPsToGeodata_WarmsCacheWithPrefix(t *testing.T) {
	dir := t.TempDir()
	r, err := New(16)
	require.NoError(t, err)
	require.NoError(t, r.LoadManifest(writeManifest(t, dir)))

	result, err := r.MapIPsToGeodata([]string{"203.0.113.5", "198.51.100.9"}, "scan1:")
	require.NoError(t, err)
	assert.Equal(t, "US", result["scan1:203.0.113.5"].CountryCode)
	assert.Equal(t, "DE", result["scan1:198.51.100.9"].CountryCode)
}
