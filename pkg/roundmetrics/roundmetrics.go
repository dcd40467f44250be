// Package roundmetrics exposes one round's outcome as a Prometheus
// textfile-collector file: a snapshot of gauges written once per
// invocation, for node_exporter (or any textfile-collector-compatible
// scraper) to pick up, rather than a long-lived /metrics endpoint.
package roundmetrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/opd-ai/tor-bwauth/pkg/atomicwrite"
)

// Snapshot holds the values recorded for a single completed round.
type Snapshot struct {
	MeasuredRelays   float64
	MeasuredPct      float64
	MeasuredBWPct    float64
	TotNetBW         float64
	ClippedRelays    float64
	PIDEnabled       bool
	RoundDurationSec float64
}

// Write renders snapshot as Prometheus exposition text and writes it
// atomically to path.
func Write(path string, snap Snapshot) error {
	reg := prometheus.NewRegistry()

	measuredRelays := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bwauth_measured_relays",
		Help: "Number of relays with a fresh measurement this round.",
	})
	measuredPct := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bwauth_measured_pct",
		Help: "Percentage of consensus relays measured this round.",
	})
	measuredBWPct := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bwauth_measured_bw_pct",
		Help: "Percentage of the previous round's published bandwidth covered by this round's measurements.",
	})
	totNetBW := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bwauth_tot_net_bw",
		Help: "Sum of new bandwidth values assigned to previously-known relays this round.",
	})
	clippedRelays := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bwauth_clipped_relays",
		Help: "Number of relays whose bandwidth was changed by the int32 clip, the fairness cap or the floor of 1 this round.",
	})
	pidEnabled := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bwauth_pid_enabled",
		Help: "1 if PID control was enabled this round, 0 if the ratio fallback was used.",
	})
	roundDuration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bwauth_round_duration_seconds",
		Help: "Wall-clock duration of the round.",
	})

	reg.MustRegister(measuredRelays, measuredPct, measuredBWPct, totNetBW, clippedRelays, pidEnabled, roundDuration)

	measuredRelays.Set(snap.MeasuredRelays)
	measuredPct.Set(snap.MeasuredPct)
	measuredBWPct.Set(snap.MeasuredBWPct)
	totNetBW.Set(snap.TotNetBW)
	clippedRelays.Set(snap.ClippedRelays)
	roundDuration.Set(snap.RoundDurationSec)
	if snap.PIDEnabled {
		pidEnabled.Set(1)
	} else {
		pidEnabled.Set(0)
	}

	families, err := reg.Gather()
	if err != nil {
		return err
	}

	return atomicwrite.File(path, func(w io.Writer) error {
		enc := expfmt.NewEncoder(w, expfmt.FmtText)
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return err
			}
		}
		return nil
	})
}
