// Package pidctl implements the discrete PID bandwidth controller: the core
// feedback loop that turns one relay's fresh measurement, its prior vote
// state, and the live consensus parameters into a new bandwidth estimate.
package pidctl

import (
	"github.com/opd-ai/tor-bwauth/pkg/classify"
	"github.com/opd-ai/tor-bwauth/pkg/consensus"
	"github.com/opd-ai/tor-bwauth/pkg/scan"
	"github.com/opd-ai/tor-bwauth/pkg/vote"
)

// Input bundles everything one Step call needs for a single relay.
type Input struct {
	Measurement *scan.Measurement
	ClassAvg    classify.Averages
	Params      consensus.Params
	Wgd         float64        // Guard+Exit dampening weight, from bandwidth-weights
	IsPureGuard bool           // Guard flag set, Exit not set
	IsGuardExit bool           // both Guard and Exit flags set
	Prev        *vote.Previous // nil when this relay has no prior vote
}

// Output is the result of one PID step: the new bandwidth estimate plus the
// refreshed PID state to persist into the next vote file.
type Output struct {
	NewBW       float64
	PIDError    float64
	PIDErrorSum float64
	PIDDelta    float64
	PIDBW       float64
	MeasuredAt  int64
	UpdatedAt   int64
}

// Step runs one PID controller cycle for a single relay (spec §4.5).
func Step(in Input) Output {
	m := in.Measurement
	p := in.Params
	avg := in.ClassAvg

	if !p.PIDControlEnabled {
		return ratioFallback(m, avg)
	}

	// Step 1 — baseline.
	useBW := float64(m.DescBW)
	if !p.UseDescBW {
		useBW = float64(m.NSBW)
	}

	// Step 2 — error.
	pidError := computeError(m, avg, p, in.Prev)

	// Step 3 — circuit penalty.
	if p.UseCircuitFails {
		circError := -m.CircFailRate
		if (1.0-m.CircFailRate) < avg.TrueCircAvg && circError < 0 && circError < pidError {
			pidError = circError
		}
	}

	// Step 4 — integrator clamp.
	priorSum := 0.0
	if in.Prev != nil {
		priorSum = in.Prev.PIDErrorSum
	}
	if p.UseDescBW {
		if priorSum > p.PIDMax && pidError > 0 {
			priorSum = p.PIDMax
		}
	} else {
		ratio := 0.0
		if m.DescBW != 0 {
			ratio = float64(m.NSBW) / float64(m.DescBW)
		}
		if ratio > p.PIDMax && pidError > 0 {
			pidError = 0
			priorSum = 0
		}
	}

	// Step 5 — mercy on downward integrator.
	forcedUseBWToDesc := false
	if p.UseMercy {
		if !p.UseDescBW && float64(m.DescBW) > float64(m.NSBW) && pidError < 0 {
			useBW = float64(m.DescBW)
			forcedUseBWToDesc = true
		}
		if priorSum < 0 && pidError < 0 {
			priorSum = 0
		}
	}

	// Step 6 — apply feedback.
	return applyFeedback(in, useBW, pidError, priorSum, forcedUseBWToDesc)
}

func computeError(m *scan.Measurement, avg classify.Averages, p consensus.Params, prev *vote.Previous) float64 {
	if p.UsePIDTarget {
		pidError := safeRatio(float64(m.StrmBW)-avg.PIDTgtAvg, avg.PIDTgtAvg)
		if p.UseMercy {
			if p.UseDescBW {
				if prev != nil && prev.PIDErrorSum < 0 && pidError < 0 {
					pidError = safeRatio(float64(m.FiltBW)-avg.PIDTgtAvg, avg.PIDTgtAvg)
				}
			} else if float64(m.DescBW) > float64(m.NSBW) && pidError < 0 {
				pidError = safeRatio(float64(m.FiltBW)-avg.PIDTgtAvg, avg.PIDTgtAvg)
			}
		}
		return pidError
	}

	sbwRatio := safeRatio(float64(m.StrmBW), avg.TrueStrmAvg)
	fbwRatio := safeRatio(float64(m.FiltBW), avg.TrueFiltAvg)
	if p.UseBestRatio && sbwRatio > fbwRatio {
		return safeRatio(float64(m.StrmBW)-avg.TrueStrmAvg, avg.TrueStrmAvg)
	}
	return safeRatio(float64(m.FiltBW)-avg.TrueFiltAvg, avg.TrueFiltAvg)
}

func applyFeedback(in Input, useBW, pidError, priorSum float64, forcedUseBWToDesc bool) Output {
	p := in.Params
	m := in.Measurement
	V := in.Prev

	switch {
	case V == nil:
		newBW := useBW * (1 + p.KP*pidError)
		return Output{
			NewBW: newBW, PIDError: pidError, PIDErrorSum: pidError,
			PIDDelta: 0, PIDBW: newBW, MeasuredAt: m.MeasuredAt, UpdatedAt: m.MeasuredAt,
		}

	case m.MeasuredAt <= V.MeasuredAt:
		// No new sample this round: revert to the previous vote verbatim.
		return Output{
			NewBW: float64(V.BW) * 1000, PIDError: V.PIDError, PIDErrorSum: V.PIDErrorSum,
			PIDDelta: V.PIDDelta, PIDBW: V.PIDBW, MeasuredAt: V.MeasuredAt, UpdatedAt: V.UpdatedAt,
		}

	case in.IsPureGuard:
		if m.MeasuredAt-V.MeasuredAt > p.GuardSampleRate {
			return fullFeedback(p, useBW, pidError, V, priorSum, 1.0, m.MeasuredAt)
		}
		// Guard not yet due: accumulators untouched, but the prior vote's
		// pid_error_sum/pid_delta still feed the I/D terms in desc-bw mode
		// (only the ns-bw branch is proportional-only; it does not use KI/KD).
		var newBW float64
		if p.UseDescBW {
			newBW = useBW*(1+p.KP*pidError) + p.KI*useBW*V.PIDErrorSum + p.KD*useBW*V.PIDDelta
		} else {
			baseline := V.PIDBW
			if forcedUseBWToDesc {
				baseline = useBW
			}
			newBW = baseline * (1 + p.KP*pidError)
		}
		return Output{
			NewBW: newBW, PIDError: V.PIDError, PIDErrorSum: V.PIDErrorSum,
			PIDDelta: V.PIDDelta, PIDBW: V.PIDBW, MeasuredAt: V.MeasuredAt, UpdatedAt: m.MeasuredAt,
		}

	case in.IsGuardExit:
		// Dampening is skipped whenever use_bw ended up equal to desc_bw:
		// true for every relay in desc-bw mode (the default, where Step 1
		// always sets use_bw = desc_bw) and for the ns-bw-mercy case that
		// explicitly forces it.
		w := 1.0 - in.Wgd
		if useBW == float64(m.DescBW) {
			w = 1.0
		}
		return fullFeedback(p, useBW, pidError, V, priorSum, w, m.MeasuredAt)

	default:
		return fullFeedback(p, useBW, pidError, V, priorSum, 1.0, m.MeasuredAt)
	}
}

// fullFeedback computes the standard proportional+integral+derivative
// update, scaling all three gains by w (1.0 except for dampened
// Guard+Exit relays). priorSum is the clamped accumulator carried in from
// step 4, used as the integral term; V.PIDError (unclamped) still gates
// whether an integral/derivative term applies at all and seeds the delta.
func fullFeedback(p consensus.Params, useBW, pidError float64, V *vote.Previous, priorSum, w float64, measuredAt int64) Output {
	integral, delta := 0.0, 0.0
	if V.PIDError != 0 {
		integral = priorSum
		delta = pidError - V.PIDError
	}

	newBW := useBW * (1 + p.KP*w*pidError + p.KI*w*integral + p.KD*w*delta)
	newSum := priorSum*p.KIDecay + pidError

	return Output{
		NewBW: newBW, PIDError: pidError, PIDErrorSum: newSum,
		PIDDelta: delta, PIDBW: newBW, MeasuredAt: measuredAt, UpdatedAt: measuredAt,
	}
}

// ratioFallback is used when PID control is disabled for the round
// (bwauthpid=0 or a consensus parse error): new_bw = desc_bw * ratio, where
// ratio is the larger of the stream and filtered bandwidth ratios.
func ratioFallback(m *scan.Measurement, avg classify.Averages) Output {
	sbwRatio := safeRatio(float64(m.StrmBW), avg.TrueStrmAvg)
	fbwRatio := safeRatio(float64(m.FiltBW), avg.TrueFiltAvg)
	ratio := fbwRatio
	if sbwRatio > fbwRatio {
		ratio = sbwRatio
	}
	newBW := float64(m.DescBW) * ratio
	return Output{NewBW: newBW, PIDError: 0, PIDErrorSum: 0, PIDDelta: 0, PIDBW: newBW, MeasuredAt: m.MeasuredAt, UpdatedAt: m.MeasuredAt}
}

func safeRatio(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}
