package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScanFile(t *testing.T, dir, name string, ts float64, lines []string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	content := fmt.Sprintf("slice-1\n%f\n", ts)
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIngest_KeepsNewestPerRelay(t *testing.T) {
	root := t.TempDir()
	scanData := filepath.Join(root, "scanner.1", "scan-data")
	now := time.Now()

	writeScanFile(t, scanData, "bws-a-done-1", float64(now.Add(-time.Hour).Unix()), []string{
		"node_id=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA nick=relayA strm_bw=100 filt_bw=100 ns_bw=100 desc_bw=100",
	})
	writeScanFile(t, scanData, "bws-a-done-2", float64(now.Unix()), []string{
		"node_id=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA nick=relayA strm_bw=200 filt_bw=200 ns_bw=200 desc_bw=200",
	})

	result, err := Ingest([]string{root}, 24*time.Hour, nil)
	require.NoError(t, err)
	require.Contains(t, result.Measurements, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	assert.Equal(t, int64(200), result.Measurements["AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"].StrmBW)
	assert.Contains(t, result.ScannerTimestamps, "scanner.1")
}

func TestIngest_AgesOutOldFiles(t *testing.T) {
	root := t.TempDir()
	scanData := filepath.Join(root, "scanner.1", "scan-data")
	old := time.Now().Add(-48 * time.Hour)

	path := writeScanFile(t, scanData, "bws-a-done-1", float64(old.Unix()), []string{
		"node_id=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA nick=relayA strm_bw=100 filt_bw=100 ns_bw=100 desc_bw=100",
	})

	result, err := Ingest([]string{root}, time.Hour, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Measurements)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "aged-out file should be removed")
}

func TestIngest_SkipsMalformedLineButContinues(t *testing.T) {
	root := t.TempDir()
	scanData := filepath.Join(root, "scanner.1", "scan-data")

	writeScanFile(t, scanData, "bws-a-done-1", float64(time.Now().Unix()), []string{
		"node_id=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA nick=relayA strm_bw=notanumber filt_bw=100 ns_bw=100 desc_bw=100",
		"node_id=BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB nick=relayB strm_bw=100 filt_bw=100 ns_bw=100 desc_bw=100",
	})

	result, err := Ingest([]string{root}, 24*time.Hour, nil)
	require.NoError(t, err)
	assert.NotContains(t, result.Measurements, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	assert.Contains(t, result.Measurements, "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
}

func TestIngest_DefaultsOptionalFailureRates(t *testing.T) {
	root := t.TempDir()
	scanData := filepath.Join(root, "scanner.1", "scan-data")

	writeScanFile(t, scanData, "bws-a-done-1", float64(time.Now().Unix()), []string{
		"node_id=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA nick=relayA strm_bw=100 filt_bw=100 ns_bw=100 desc_bw=100",
	})

	result, err := Ingest([]string{root}, 24*time.Hour, nil)
	require.NoError(t, err)
	m := result.Measurements["AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"]
	require.NotNil(t, m)
	assert.Equal(t, 0.0, m.CircFailRate)
	assert.Equal(t, 0.0, m.StrmFailRate)
}

func TestIngest_NoScannerDirsReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	result, err := Ingest([]string{root}, 24*time.Hour, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Measurements)
}
