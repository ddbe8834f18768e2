// Package margin measures how far a voltage profile sits from the statutory
// bounds.
package margin

import (
	"math"

	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/voltage"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Invalid is returned for absent or collapsed profiles so they always sort
// below any physical margin.
const Invalid = -1e6

// Of returns min(min(V)−VMin, VMax−max(V)). Negative means a bound is
// violated somewhere in the profile.
func Of(volts []float64, lim config.Limits) float64 {
	if len(volts) == 0 {
		return Invalid
	}
	low := floats.Min(volts) - lim.VMin
	high := lim.VMax - floats.Max(volts)
	return math.Min(low, high)
}

// OfProfile is Of for a computed profile.
func OfProfile(p voltage.Profile, lim config.Limits) float64 {
	if !p.Valid() {
		return Invalid
	}
	return Of(p.Volts, lim)
}

// Mean combines per-season margins.
func Mean(margins ...float64) float64 {
	if len(margins) == 0 {
		return Invalid
	}
	return stat.Mean(margins, nil)
}
