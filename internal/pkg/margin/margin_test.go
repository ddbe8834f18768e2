package margin

import (
	"math"
	"testing"

	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/voltage"
	"gotest.tools/v3/assert"
)

var lim = config.Statutory()

func TestOfSingleNodeViolation(t *testing.T) {
	// single node at 140 V: min(140−207, 253−140)
	assert.Equal(t, Of([]float64{230, 140}, lim), -67.0)
}

func TestOfBound(t *testing.T) {
	profiles := [][]float64{
		{230, 228, 225.5, 221},
		{241, 244, 249.9},
		{207, 253},
		{230},
		{260, 200},
	}
	for _, v := range profiles {
		m := Of(v, lim)
		low := minOf(v) - lim.VMin
		high := lim.VMax - maxOf(v)
		assert.Assert(t, m <= low)
		assert.Assert(t, m <= high)
		assert.Assert(t, m == low || m == high)
	}
}

func TestOfNearUpperBound(t *testing.T) {
	assert.Equal(t, Of([]float64{240, 250}, lim), 3.0)
}

func TestInvalidProfiles(t *testing.T) {
	assert.Equal(t, Of(nil, lim), Invalid)
	assert.Equal(t, OfProfile(voltage.Profile{Collapsed: true, CollapseNode: 1}, lim), Invalid)
	assert.Equal(t, OfProfile(voltage.Profile{Volts: []float64{230, 229}}, lim), 22.0)
}

func TestMean(t *testing.T) {
	assert.Equal(t, Mean(4, 8), 6.0)
	assert.Equal(t, Mean(-67), -67.0)
	assert.Equal(t, Mean(), Invalid)
}

func minOf(v []float64) float64 {
	m := math.Inf(1)
	for _, x := range v {
		m = math.Min(m, x)
	}
	return m
}

func maxOf(v []float64) float64 {
	m := math.Inf(-1)
	for _, x := range v {
		m = math.Max(m, x)
	}
	return m
}
