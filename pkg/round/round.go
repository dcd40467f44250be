// Package round implements the post-processing pass applied once every
// relay in a round has a tentative new bandwidth: integer clipping, the
// per-relay fairness cap, measured/ignore bookkeeping, and the round-level
// coverage checks that decide whether a vote is safe to publish at all.
package round

import (
	"fmt"
	"math"

	"github.com/opd-ai/tor-bwauth/pkg/logger"
)

const maxPublishedBW = 0x7fffffff // int32 max, the vote file's bandwidth ceiling

// Relay is one relay's post-PID state entering the finalization pass.
type Relay struct {
	ID          string
	Nick        string
	Class       string
	NewBW       float64
	PIDError    float64
	PIDErrorSum float64
	IsPureGuard bool
	IsAuthority bool
}

// MarkMeasuredAndAccumulate walks the relays that received a fresh PID step
// this round and sums their (pre-clip) new bandwidth for every relay that
// also appears in prevBandwidth, the previous consensus's published
// bandwidth by fingerprint. It returns that total and the set of
// fingerprints now considered measured.
func MarkMeasuredAndAccumulate(relays []Relay, prevBandwidth map[string]float64) (totNetBW float64, measured map[string]bool) {
	measured = make(map[string]bool, len(relays))
	for _, r := range relays {
		if _, ok := prevBandwidth[r.ID]; ok {
			measured[r.ID] = true
			totNetBW += r.NewBW
		}
	}
	return totNetBW, measured
}

// ApplyIgnoreFlags reports which relays should be excluded from the
// published vote: pure Guards when ignoreGuards is set (the guard-sampling
// interval has not necessarily elapsed for all of them), and Authorities
// (dir authorities never take scanner feedback).
func ApplyIgnoreFlags(relays []Relay, ignoreGuards bool) map[string]bool {
	ignore := make(map[string]bool)
	for _, r := range relays {
		if ignoreGuards && r.IsPureGuard {
			ignore[r.ID] = true
		} else if r.IsAuthority {
			ignore[r.ID] = true
		}
	}
	return ignore
}

// Finalize applies the integer clip and the fairness cap to every relay's
// new bandwidth, logging an integrator-excursion NOTICE where the PID
// accumulator has drifted further than its decay rate should allow.
func Finalize(relays []Relay, totNetBW, nodeCap float64, tI, tIDecay float64, log *logger.Logger) []Relay {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.Component("round")

	out := make([]Relay, len(relays))
	capBW := totNetBW * nodeCap

	for i, r := range relays {
		if r.NewBW >= maxPublishedBW {
			log.Warn("bandwidth exceeds maxint32", "class", r.Class, "nick", r.Nick, "id", r.ID, "bw", r.NewBW)
			r.NewBW = maxPublishedBW
		}

		if tI > 0 && tIDecay > 0 {
			calcVal := 2 * tI * r.PIDError / tIDecay
			if math.Abs(r.PIDErrorSum) > math.Abs(calcVal) {
				log.Notice("large pid_error_sum for node", "id", r.ID, "nick", r.Nick,
					"pid_error_sum", r.PIDErrorSum, "pid_error", r.PIDError)
			}
		}

		if r.NewBW > capBW {
			log.Info("clipping extremely fast node to network capacity",
				"class", r.Class, "id", r.ID, "nick", r.Nick,
				"cap_pct", nodeCap*100, "from", r.NewBW, "to", math.Floor(capBW))
			r.NewBW = math.Floor(capBW)
			r.PIDErrorSum = 0
		}

		if r.NewBW <= 0 {
			log.Info("node has non-positive bandwidth, clamping to 1", "id", r.ID, "nick", r.Nick, "bw", r.NewBW)
			r.NewBW = 1
		}

		out[i] = r
	}
	return out
}

// Coverage summarizes how much of the network this round actually
// measured, mirroring the two thresholds the aggregator enforces before
// publishing: an outright abort if too few relays were measured, and
// escalating log severity if the measured relays account for too little
// of the previous round's total bandwidth.
type Coverage struct {
	MeasuredPct   float64
	MeasuredBWPct float64
}

// CheckCoverage computes round coverage and returns an error when
// measuredPct falls below minReport: the aggregator must not publish a
// vote built from too small a sample of the network.
func CheckCoverage(measuredRelays, totalRelays int, measuredBW, totalBW, minReport float64, log *logger.Logger) (Coverage, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.Component("round")

	cov := Coverage{}
	if totalRelays > 0 {
		cov.MeasuredPct = round1(100.0 * float64(measuredRelays) / float64(totalRelays))
	}
	if totalBW > 0 {
		cov.MeasuredBWPct = round1(100.0 * measuredBW / totalBW)
	}

	if cov.MeasuredPct < minReport {
		log.Notice("did not measure enough of the network yet", "min_report", minReport, "measured_pct", cov.MeasuredPct)
		return cov, fmt.Errorf("measured %.1f%% of relays, below minimum %.1f%%", cov.MeasuredPct, minReport)
	}

	switch {
	case cov.MeasuredBWPct < 75:
		log.Warn("measured bandwidth share is low", "measured_bw_pct", cov.MeasuredBWPct, "measured_pct", cov.MeasuredPct)
	case cov.MeasuredBWPct < 95:
		log.Notice("measured bandwidth share is low", "measured_bw_pct", cov.MeasuredBWPct, "measured_pct", cov.MeasuredPct)
	}

	return cov, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
