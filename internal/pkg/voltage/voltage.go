// Package voltage propagates a substation setpoint down a serial LV feeder.
//
// A feeder is a chain of N nodes behind the substation, each separated by a
// segment of resistance R. Injections are signed per-node powers: negative
// for load draw, positive for generation, index 0 nearest the substation.
//
// Three strategies are available and must be picked explicitly:
//
//   - Quadratic solves V_k² − V_{k-1}·V_k − P_k·R = 0 node by node and
//     reports collapse when the discriminant goes negative. It is the only
//     strategy used for feasibility decisions by default.
//   - Linearized subtracts R·I per segment, with I = P_down/V_{k-1} the
//     signed cumulative downstream power over the sending-end voltage.
//     Under this convention net load (negative P_down) raises the receiving
//     voltage and net generation lowers it.
//   - DiversityScaled is Linearized with the downstream power damped by a
//     non-coincidence factor.
package voltage

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Strategy names a voltage model formulation.
type Strategy int

const (
	Quadratic Strategy = iota + 1
	Linearized
	DiversityScaled
)

var ErrUnknownStrategy = errors.New("voltage: unknown model strategy")

func (s Strategy) String() string {
	switch s {
	case Quadratic:
		return "quadratic"
	case Linearized:
		return "linearized"
	case DiversityScaled:
		return "diversity-scaled"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a configuration string onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quadratic", "exact", "exact-quadratic":
		return Quadratic, nil
	case "linearized", "linear", "linearized-cumulative":
		return Linearized, nil
	case "diversity-scaled", "diversity":
		return DiversityScaled, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Profile is the voltage along the chain for one setpoint. Volts[0] is the
// setpoint and Volts[k] the voltage at node k. A collapsed profile carries no
// volts; CollapseNode is the 1-based node where no real solution exists.
type Profile struct {
	Volts        []float64
	Collapsed    bool
	CollapseNode int
}

// Valid reports whether the profile is fully populated.
func (p Profile) Valid() bool {
	return !p.Collapsed && len(p.Volts) > 0
}

// Model computes voltage profiles.
type Model interface {
	Strategy() Strategy
	Profile(v0, rSeg float64, injections []float64) Profile
}

// New builds the model for strategy s. diversity is only read by
// DiversityScaled; powerScale converts injections into the unit expected by
// the linear drop (1 for watts).
func New(s Strategy, diversity, powerScale float64) (Model, error) {
	switch s {
	case Quadratic:
		return QuadraticModel{}, nil
	case Linearized:
		return LinearModel{Diversity: 1, PowerScale: powerScale, strategy: Linearized}, nil
	case DiversityScaled:
		if diversity <= 0 || diversity > 1 {
			return nil, fmt.Errorf("voltage: diversity factor %.3f outside (0, 1]", diversity)
		}
		return LinearModel{Diversity: diversity, PowerScale: powerScale, strategy: DiversityScaled}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, int(s))
}

// QuadraticModel is the exact nonlinear recurrence.
type QuadraticModel struct{}

func (QuadraticModel) Strategy() Strategy { return Quadratic }

func (QuadraticModel) Profile(v0, rSeg float64, injections []float64) Profile {
	volts := make([]float64, len(injections)+1)
	volts[0] = v0
	for k, p := range injections {
		sending := volts[k]
		d := sending*sending + 4*p*rSeg
		if d < 0 {
			return Profile{Collapsed: true, CollapseNode: k + 1}
		}
		volts[k+1] = (sending + math.Sqrt(d)) / 2
	}
	return Profile{Volts: volts}
}

// Discriminant returns V²+4·P·R for a single segment. Negative means the
// segment has no steady-state solution.
func Discriminant(sending, p, rSeg float64) float64 {
	return sending*sending + 4*p*rSeg
}

// LinearModel is the cumulative downstream power approximation. A zero
// Diversity or PowerScale counts as 1. It never collapses: once the sending voltage is non-positive every downstream node
// is forced to zero.
type LinearModel struct {
	Diversity  float64
	PowerScale float64
	strategy   Strategy
}

func (m LinearModel) Strategy() Strategy {
	if m.strategy == 0 {
		return Linearized
	}
	return m.strategy
}

func (m LinearModel) Profile(v0, rSeg float64, injections []float64) Profile {
	n := len(injections)
	volts := make([]float64, n+1)
	volts[0] = v0

	downstream := Downstream(injections)
	scale := orOne(m.Diversity) * orOne(m.PowerScale)

	for k := 1; k <= n; k++ {
		sending := volts[k-1]
		if sending <= 0 {
			// remaining entries already zero
			break
		}
		current := scale * downstream[k-1] / sending
		volts[k] = sending - rSeg*current
	}
	return Profile{Volts: volts}
}

// orOne treats an unset factor as neutral.
func orOne(f float64) float64 {
	if f == 0 {
		return 1
	}
	return f
}

// Downstream returns, for every node k, the sum of injections at k and
// beyond, accumulated from the far end inward.
func Downstream(injections []float64) []float64 {
	out := make([]float64, len(injections))
	sum := 0.0
	for k := len(injections) - 1; k >= 0; k-- {
		sum += injections[k]
		out[k] = sum
	}
	return out
}
