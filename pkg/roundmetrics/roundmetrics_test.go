package roundmetrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite_ProducesExpectedMetricNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bwauth.prom")
	err := Write(path, Snapshot{
		MeasuredRelays:   1234,
		MeasuredPct:      92.5,
		MeasuredBWPct:    88.1,
		TotNetBW:         5_000_000,
		ClippedRelays:    3,
		PIDEnabled:       true,
		RoundDurationSec: 42.5,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	for _, name := range []string{
		"bwauth_measured_relays",
		"bwauth_measured_pct",
		"bwauth_measured_bw_pct",
		"bwauth_tot_net_bw",
		"bwauth_clipped_relays",
		"bwauth_pid_enabled",
		"bwauth_round_duration_seconds",
	} {
		assert.Contains(t, content, name)
	}
	assert.True(t, strings.Contains(content, "bwauth_pid_enabled 1"))
}
