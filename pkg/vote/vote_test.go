package vote

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPrevious_MissingFileReturnsEmptyMap(t *testing.T) {
	dir := t.TempDir()
	prev, err := LoadPrevious(filepath.Join(dir, "missing"), nil)
	require.NoError(t, err)
	assert.Empty(t, prev)
}

func TestLoadPrevious_ParsesFullRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "votefile")
	content := "1700000000\n" +
		"node_id=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA bw=1000 nick=relayA measured_at=100 updated_at=100 " +
		"pid_error=0.250000 pid_error_sum=0.500000 pid_w=1000 pid_delta=0.100000 circ_fail=0.000000 scanner=scanner.1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	prev, err := LoadPrevious(path, nil)
	require.NoError(t, err)
	require.Contains(t, prev, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

	p := prev["AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"]
	assert.Equal(t, int64(1000), p.BW)
	assert.Equal(t, 0.25, p.PIDError)
	assert.Equal(t, 0.5, p.PIDErrorSum)
	assert.Equal(t, 1000.0, p.PIDBW)
}

func TestLoadPrevious_MissingPIDFieldsInitializesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "votefile")
	content := "1700000000\n" +
		"node_id=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA bw=1000 nick=relayA measured_at=100\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	prev, err := LoadPrevious(path, nil)
	require.NoError(t, err)
	p := prev["AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"]
	require.NotNil(t, p)
	assert.Equal(t, 0.0, p.PIDError)
	assert.Equal(t, 1000.0, p.PIDBW)
	assert.Equal(t, int64(100), p.UpdatedAt, "updated_at defaults to measured_at")
}

func TestWrite_OrdersByPIDErrorDescending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "votefile")

	lines := []Line{
		{ID: "B", BW: 500, PIDError: -0.3},
		{ID: "A", BW: 1000, PIDError: 0.3},
	}
	require.NoError(t, Write(path, 1700000000, lines))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	idxA := indexOf(content, "node_id=A ")
	idxB := indexOf(content, "node_id=B ")
	require.GreaterOrEqual(t, idxA, 0)
	require.GreaterOrEqual(t, idxB, 0)
	assert.Less(t, idxA, idxB, "higher pid_error should sort first")
}

func TestRoundBW(t *testing.T) {
	assert.Equal(t, int64(1), RoundBW(0))
	assert.Equal(t, int64(1), RoundBW(50))
	assert.Equal(t, int64(123), RoundBW(123456))
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
