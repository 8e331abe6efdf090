package estimators

import (
	"gonum.org/v1/gonum/stat"
)

// ReblockedStdErr estimates the standard error of a correlated series by
// repeated pair-averaging: each blocking level halves the series, and the
// naive standard error grows until blocks are longer than the correlation
// time. The largest level estimate with at least two blocks is reported, the
// usual conservative reading of a reblocking table.
func ReblockedStdErr(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	xs := append([]float64(nil), series...)
	best := stat.StdErr(stat.StdDev(xs, nil), float64(len(xs)))
	for len(xs) >= 4 {
		half := make([]float64, len(xs)/2)
		for i := range half {
			half[i] = 0.5 * (xs[2*i] + xs[2*i+1])
		}
		xs = half
		se := stat.StdErr(stat.StdDev(xs, nil), float64(len(xs)))
		if se > best {
			best = se
		}
	}
	return best
}
