package collab

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/wyn/collab/internal/domain"
)

// ReportedPercentiles are the loss percentiles sent with every result.
var ReportedPercentiles = []float64{0.5, 0.9, 0.95, 0.99}

// Portfolio parameters of the loss model: a homogeneous book of obligors
// whose defaults are correlated through one systematic factor.
const (
	obligors          = 100
	exposure          = 1_000_000.0
	lossGivenDefault  = 0.6
	assetCorrelation  = 0.2
	defaultThreshold  = -2.0537489 // standard normal quantile of a 2% default probability
	minimumLossSample = 1
)

// SimulateLosses draws samples portfolio losses and returns the reported
// percentiles of their distribution.
func SimulateLosses(samples int, rng *rand.Rand) domain.PercentileMap {
	if samples < minimumLossSample {
		samples = minimumLossSample
	}

	systematic := math.Sqrt(assetCorrelation)
	idiosyncratic := math.Sqrt(1 - assetCorrelation)

	losses := make([]float64, samples)
	for i := range losses {
		z := rng.NormFloat64()
		defaults := 0
		for j := 0; j < obligors; j++ {
			if systematic*z+idiosyncratic*rng.NormFloat64() < defaultThreshold {
				defaults++
			}
		}
		losses[i] = float64(defaults) * exposure * lossGivenDefault
	}
	sort.Float64s(losses)

	out := make(domain.PercentileMap, len(ReportedPercentiles))
	for _, p := range ReportedPercentiles {
		out[p] = quantile(losses, p)
	}
	return out
}

// quantile returns the nearest-rank quantile of sorted values.
func quantile(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
