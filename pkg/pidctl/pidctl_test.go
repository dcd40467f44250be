package pidctl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/tor-bwauth/pkg/classify"
	"github.com/opd-ai/tor-bwauth/pkg/consensus"
	"github.com/opd-ai/tor-bwauth/pkg/scan"
	"github.com/opd-ai/tor-bwauth/pkg/vote"
)

func baseParams() consensus.Params {
	p := consensus.DefaultParams()
	return p
}

func baseAvg() classify.Averages {
	return classify.Averages{TrueFiltAvg: 100, TrueStrmAvg: 100, TrueCircAvg: 0.9, PIDTgtAvg: 100}
}

func TestStep_NoPriorVote(t *testing.T) {
	m := &scan.Measurement{DescBW: 100, NSBW: 100, StrmBW: 150, FiltBW: 150, MeasuredAt: 1000}
	out := Step(Input{
		Measurement: m,
		ClassAvg:    baseAvg(),
		Params:      baseParams(),
		Prev:        nil,
	})

	assert.InDelta(t, 0.5, out.PIDError, 1e-9)
	assert.InDelta(t, 150.0, out.NewBW, 1e-9) // 100 * (1 + 1.0*0.5)
	assert.Equal(t, out.PIDError, out.PIDErrorSum)
	assert.Equal(t, int64(1000), out.MeasuredAt)
}

func TestStep_RevertsToStaleVoteWhenNoNewSample(t *testing.T) {
	m := &scan.Measurement{DescBW: 100, NSBW: 100, StrmBW: 150, FiltBW: 150, MeasuredAt: 500}
	prev := &vote.Previous{BW: 120, MeasuredAt: 1000, UpdatedAt: 1000, PIDError: 0.2, PIDErrorSum: 0.3, PIDBW: 123000}

	out := Step(Input{
		Measurement: m,
		ClassAvg:    baseAvg(),
		Params:      baseParams(),
		Prev:        prev,
	})

	assert.Equal(t, 120.0*1000, out.NewBW)
	assert.Equal(t, 0.2, out.PIDError)
	assert.Equal(t, int64(1000), out.MeasuredAt)
}

func TestStep_PureGuardFullFeedbackWhenDue(t *testing.T) {
	m := &scan.Measurement{DescBW: 100, NSBW: 100, StrmBW: 150, FiltBW: 150, MeasuredAt: 2_000_000}
	prev := &vote.Previous{BW: 100, MeasuredAt: 0, UpdatedAt: 0, PIDError: 0.1, PIDErrorSum: 0.2, PIDBW: 100000}

	p := baseParams()
	out := Step(Input{
		Measurement: m,
		ClassAvg:    baseAvg(),
		Params:      p,
		IsPureGuard: true,
		Prev:        prev,
	})

	assert.InDelta(t, 0.5, out.PIDError, 1e-9)
	assert.InDelta(t, 100*(1+p.KP*0.5), out.NewBW, 1e-9)
	assert.Equal(t, int64(2_000_000), out.MeasuredAt)
}

func TestStep_PureGuardNotDueCopiesAccumulators(t *testing.T) {
	m := &scan.Measurement{DescBW: 100, NSBW: 100, StrmBW: 150, FiltBW: 150, MeasuredAt: 1000}
	prev := &vote.Previous{BW: 100, MeasuredAt: 900, UpdatedAt: 900, PIDError: 0.1, PIDErrorSum: 0.2, PIDDelta: 0.05, PIDBW: 100000}

	p := baseParams()
	out := Step(Input{
		Measurement: m,
		ClassAvg:    baseAvg(),
		Params:      p,
		IsPureGuard: true,
		Prev:        prev,
	})

	assert.Equal(t, prev.PIDError, out.PIDError, "not-due guard restores prior pid_error")
	assert.Equal(t, prev.PIDErrorSum, out.PIDErrorSum, "accumulator not advanced")
	assert.Equal(t, prev.MeasuredAt, out.MeasuredAt, "measured_at restored from prior vote")
	assert.InDelta(t, 100*(1+p.KP*0.5), out.NewBW, 1e-9)
}

func TestStep_PureGuardNotDueAppliesIntegralAndDerivativeInDescBWMode(t *testing.T) {
	// Only the ns-bw branch is proportional-only (it does not use KI/KD); in
	// desc-bw mode the prior vote's pid_error_sum/pid_delta still feed the
	// I/D terms even while the guard isn't due for a fresh sample.
	m := &scan.Measurement{DescBW: 100, NSBW: 100, StrmBW: 150, FiltBW: 150, MeasuredAt: 1000}
	prev := &vote.Previous{BW: 100, MeasuredAt: 900, UpdatedAt: 900, PIDError: 0.1, PIDErrorSum: 0.2, PIDDelta: 0.05, PIDBW: 100000}

	p := baseParams()
	p.TI = 1
	p.KI = p.KP / p.TI
	p.TD = 1
	p.KD = p.KP * p.TD

	out := Step(Input{
		Measurement: m,
		ClassAvg:    baseAvg(),
		Params:      p,
		IsPureGuard: true,
		Prev:        prev,
	})

	want := 100*(1+p.KP*0.5) + p.KI*100*prev.PIDErrorSum + p.KD*100*prev.PIDDelta
	assert.InDelta(t, want, out.NewBW, 1e-9)
	assert.Equal(t, prev.PIDErrorSum, out.PIDErrorSum, "accumulator not advanced")
}

func TestStep_GuardExitUndampenedInDescBWMode(t *testing.T) {
	// UseDescBW is the default, so Step 1 always sets use_bw = desc_bw;
	// per spec.md §4.5 that means Wgd dampening must be skipped entirely.
	m := &scan.Measurement{DescBW: 100, NSBW: 100, StrmBW: 150, FiltBW: 150, MeasuredAt: 1000}
	prev := &vote.Previous{BW: 100, MeasuredAt: 500, UpdatedAt: 500, PIDError: 0.25, PIDErrorSum: 0.1, PIDBW: 100000}

	p := baseParams()
	out := Step(Input{
		Measurement: m,
		ClassAvg:    baseAvg(),
		Params:      p,
		IsGuardExit: true,
		Wgd:         0.6,
		Prev:        prev,
	})

	integral := prev.PIDErrorSum
	delta := 0.5 - prev.PIDError
	want := 100 * (1 + p.KP*0.5 + p.KI*integral + p.KD*delta)
	assert.InDelta(t, want, out.NewBW, 1e-9)
}

func TestStep_GuardExitDampensGainsInNSBWMode(t *testing.T) {
	// In ns-bw mode use_bw (= ns_bw) can differ from desc_bw, so the
	// Wgd dampening applies unless mercy has forced use_bw back to desc_bw.
	m := &scan.Measurement{DescBW: 100, NSBW: 80, StrmBW: 150, FiltBW: 150, MeasuredAt: 1000}
	prev := &vote.Previous{BW: 100, MeasuredAt: 500, UpdatedAt: 500, PIDError: 0.25, PIDErrorSum: 0.1, PIDBW: 100000}

	p := baseParams()
	p.UseDescBW = false
	out := Step(Input{
		Measurement: m,
		ClassAvg:    baseAvg(),
		Params:      p,
		IsGuardExit: true,
		Wgd:         0.6,
		Prev:        prev,
	})

	w := 1 - 0.6
	integral := prev.PIDErrorSum
	delta := 0.5 - prev.PIDError
	want := 80 * (1 + p.KP*w*0.5 + p.KI*w*integral + p.KD*w*delta)
	assert.InDelta(t, want, out.NewBW, 1e-9)
}

func TestStep_EveryoneElseGetsFullUndampenedFeedback(t *testing.T) {
	m := &scan.Measurement{DescBW: 100, NSBW: 100, StrmBW: 150, FiltBW: 150, MeasuredAt: 1000}
	prev := &vote.Previous{BW: 100, MeasuredAt: 500, UpdatedAt: 500, PIDError: 0.25, PIDErrorSum: 0.1, PIDBW: 100000}

	p := baseParams()
	out := Step(Input{
		Measurement: m,
		ClassAvg:    baseAvg(),
		Params:      p,
		Prev:        prev,
	})

	want := 100 * (1 + p.KP*0.5)
	assert.InDelta(t, want, out.NewBW, 1e-9)
}

func TestStep_PIDDisabledUsesRatioFallback(t *testing.T) {
	m := &scan.Measurement{DescBW: 200, NSBW: 200, StrmBW: 150, FiltBW: 300, MeasuredAt: 1000}
	p := baseParams()
	p.PIDControlEnabled = false

	out := Step(Input{
		Measurement: m,
		ClassAvg:    baseAvg(), // TrueStrmAvg=100, TrueFiltAvg=100
		Params:      p,
	})

	// sbw_ratio=1.5, fbw_ratio=3.0, ratio=3.0, new_bw=200*3.0
	assert.InDelta(t, 600.0, out.NewBW, 1e-9)
	assert.Equal(t, 0.0, out.PIDError)
	assert.Equal(t, 0.0, out.PIDErrorSum)
}

func TestStep_IntegratorClampOnUpwardExcursion(t *testing.T) {
	m := &scan.Measurement{DescBW: 100, NSBW: 100, StrmBW: 500, FiltBW: 500, MeasuredAt: 1000}
	prev := &vote.Previous{BW: 100, MeasuredAt: 500, UpdatedAt: 500, PIDError: 0.1, PIDErrorSum: 9999, PIDBW: 100000}

	p := baseParams()
	p.TI = 1
	p.KI = p.KP / p.TI
	p.KIDecay = 1.0

	out := Step(Input{
		Measurement: m,
		ClassAvg:    baseAvg(),
		Params:      p,
		Prev:        prev,
	})

	assert.Greater(t, out.PIDError, 0.0)
	assert.NotEqual(t, 9999.0, out.PIDErrorSum)
}
