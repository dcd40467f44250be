// Package classify assigns relays to flag-based classes and computes the
// per-class and network-wide reference averages the PID controller uses as
// its error baseline.
package classify

import (
	"github.com/opd-ai/tor-bwauth/pkg/scan"
)

// Classes enumerates the four node classes in the fixed order the original
// aggregator logs them in.
var Classes = []string{"Guard+Exit", "Guard", "Exit", "Middle"}

// NodeClass derives a relay's class from its consensus flags.
func NodeClass(flags []string) string {
	hasGuard, hasExit := false, false
	for _, f := range flags {
		switch f {
		case "Guard":
			hasGuard = true
		case "Exit":
			hasExit = true
		}
	}
	switch {
	case hasGuard && hasExit:
		return "Guard+Exit"
	case hasGuard:
		return "Guard"
	case hasExit:
		return "Exit"
	default:
		return "Middle"
	}
}

// Averages holds one class's (or the network's) reference statistics.
type Averages struct {
	TrueFiltAvg float64
	TrueStrmAvg float64
	TrueCircAvg float64
	PIDTgtAvg   float64
}

// Input pairs a measurement with the class it was assigned based on
// consensus flags.
type Input struct {
	Class       string
	Measurement *scan.Measurement
}

// Compute builds per-class averages for every class in Classes. When
// byClass is false, all four classes receive the same network-wide
// averages computed over every relay.
func Compute(inputs []Input, byClass bool) map[string]Averages {
	result := make(map[string]Averages, len(Classes))

	if !byClass {
		net := computeOne(inputs)
		for _, cl := range Classes {
			result[cl] = net
		}
		return result
	}

	byCl := make(map[string][]Input)
	for _, in := range inputs {
		byCl[in.Class] = append(byCl[in.Class], in)
	}
	for _, cl := range Classes {
		result[cl] = computeOne(byCl[cl])
	}
	return result
}

func computeOne(inputs []Input) Averages {
	if len(inputs) == 0 {
		return Averages{}
	}

	var sumFilt, sumStrm, sumCirc float64
	for _, in := range inputs {
		m := in.Measurement
		sumFilt += float64(m.FiltBW)
		sumStrm += float64(m.StrmBW)
		sumCirc += 1.0 - m.CircFailRate
	}
	n := float64(len(inputs))
	avg := Averages{
		TrueFiltAvg: sumFilt / n,
		TrueStrmAvg: sumStrm / n,
		TrueCircAvg: sumCirc / n,
	}
	avg.PIDTgtAvg = iteratePIDTarget(inputs, avg.TrueFiltAvg)
	return avg
}

// iteratePIDTarget refines the filtered-bandwidth target to the mean
// filt_bw over relays whose desc_bw is at least the current target,
// converging monotonically (property 6: convergence in at most len(inputs)
// iterations, fixed point satisfies mean{filt_bw : desc_bw >= tgt} <= tgt).
func iteratePIDTarget(inputs []Input, initial float64) float64 {
	tgt := initial
	prev := 2 * tgt

	for prev > tgt {
		prev = tgt
		var sum float64
		var n int
		for _, in := range inputs {
			if float64(in.Measurement.DescBW) >= tgt {
				sum += float64(in.Measurement.FiltBW)
				n++
			}
		}
		if n > 0 {
			tgt = sum / float64(n)
		} else {
			tgt = 0
		}
	}
	return tgt
}

// MeanPIDError computes the mean of the pid_error values satisfying filter
// (all of them when filter is nil).
// This consolidates the two near-duplicate averaging helpers in the
// original implementation into a single function; both call sites reduce
// to the same computation (mean of pid_error over a node subset, or 0 when
// the subset is empty).
func MeanPIDError(pidErrors []float64, filter func(float64) bool) float64 {
	var sum float64
	var n int
	for _, e := range pidErrors {
		if filter == nil || filter(e) {
			sum += e
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
