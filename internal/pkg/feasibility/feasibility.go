// Package feasibility scans substation setpoints for one that keeps every
// node of every required season inside the statutory bounds.
//
// The scan visits a fixed grid of CandidateCount evenly spaced setpoints over
// a caller-chosen regulation band and keeps the feasible candidate closest
// to nominal. Ties resolve to the first candidate in grid order.
package feasibility

import (
	"errors"
	"fmt"
	"math"

	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/voltage"
	"gonum.org/v1/gonum/floats"
)

// CandidateCount is the number of setpoints in the search grid.
const CandidateCount = 47

var (
	ErrInvalidBand   = errors.New("feasibility: regulation band is empty or inverted")
	ErrNoSeasons     = errors.New("feasibility: no season injections supplied")
	ErrUnknownEffort = errors.New("feasibility: unknown effort definition")
	ErrNilModel      = errors.New("feasibility: no voltage model")
)

// EffortKind selects how regulation effort is reported for the winner.
type EffortKind int

const (
	// SetpointDeviation is |V0 − nominal|.
	SetpointDeviation EffortKind = iota + 1
	// MaxNodeDeviation is max |V − nominal| over every node of every season.
	MaxNodeDeviation
)

func (e EffortKind) String() string {
	switch e {
	case SetpointDeviation:
		return "setpoint-deviation"
	case MaxNodeDeviation:
		return "max-node-deviation"
	}
	return "unknown"
}

// ParseEffort maps a configuration string onto an EffortKind.
func ParseEffort(s string) (EffortKind, error) {
	switch s {
	case "setpoint-deviation", "setpoint":
		return SetpointDeviation, nil
	case "max-node-deviation", "max-deviation":
		return MaxNodeDeviation, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEffort, s)
}

// Outcome classifies a finished search.
type Outcome int

const (
	Feasible Outcome = iota + 1
	// Infeasible means at least one candidate produced full profiles but
	// none stayed within bounds.
	Infeasible
	// Collapsed means every candidate collapsed in at least one season.
	Collapsed
)

func (o Outcome) String() string {
	switch o {
	case Feasible:
		return "feasible"
	case Infeasible:
		return "infeasible"
	case Collapsed:
		return "collapsed"
	}
	return "unknown"
}

// SeasonInjections is one seasonal injection profile of a network.
type SeasonInjections struct {
	Season     string
	Injections []float64
}

// Request describes a single search. One season is a screening search; more
// than one season requires joint feasibility at the same setpoint.
type Request struct {
	Band    config.Band
	RSeg    float64
	Seasons []SeasonInjections
	Effort  EffortKind
}

// Result of a search. Setpoint, Effort and Profiles are only meaningful
// when Outcome is Feasible; Profiles follow the order of Request.Seasons.
type Result struct {
	Outcome  Outcome
	Setpoint float64
	Effort   float64
	Profiles []voltage.Profile
}

// OK reports whether a feasible setpoint was found.
func (r Result) OK() bool {
	return r.Outcome == Feasible
}

// Candidates returns the CandidateCount setpoints spanning band inclusive.
func Candidates(band config.Band) ([]float64, error) {
	if !band.Valid() {
		return nil, fmt.Errorf("%w: %q [%.2f, %.2f]", ErrInvalidBand, band.Name, band.Min, band.Max)
	}
	return floats.Span(make([]float64, CandidateCount), band.Min, band.Max), nil
}

// Searcher runs setpoint searches with a fixed model and statutory limits.
type Searcher struct {
	Model  voltage.Model
	Limits config.Limits
}

// NewSearcher returns a Searcher for m under lim.
func NewSearcher(m voltage.Model, lim config.Limits) Searcher {
	return Searcher{Model: m, Limits: lim}
}

// Search scans the candidate grid of req.Band.
func (s Searcher) Search(req Request) (Result, error) {
	if s.Model == nil {
		return Result{}, ErrNilModel
	}
	if len(req.Seasons) == 0 {
		return Result{}, ErrNoSeasons
	}
	if req.Effort != SetpointDeviation && req.Effort != MaxNodeDeviation {
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownEffort, int(req.Effort))
	}
	candidates, err := Candidates(req.Band)
	if err != nil {
		return Result{}, err
	}

	best := -1
	bestDev := math.Inf(1)
	var bestProfiles []voltage.Profile
	anyComplete := false

	for i, v0 := range candidates {
		profiles, complete, ok := s.evaluate(v0, req)
		anyComplete = anyComplete || complete
		if !ok {
			continue
		}
		if dev := math.Abs(v0 - s.Limits.VNominal); dev < bestDev {
			best, bestDev, bestProfiles = i, dev, profiles
		}
	}

	if best < 0 {
		if anyComplete {
			return Result{Outcome: Infeasible}, nil
		}
		return Result{Outcome: Collapsed}, nil
	}

	res := Result{
		Outcome:  Feasible,
		Setpoint: candidates[best],
		Profiles: bestProfiles,
	}
	switch req.Effort {
	case SetpointDeviation:
		res.Effort = bestDev
	case MaxNodeDeviation:
		res.Effort = s.maxDeviation(bestProfiles)
	}
	return res, nil
}

// Feasible reports whether v0 keeps every season of req inside the limits.
func (s Searcher) Feasible(v0 float64, req Request) bool {
	_, _, ok := s.evaluate(v0, req)
	return ok
}

// evaluate computes every season at v0. complete is true when no season
// collapsed; ok additionally requires every volt within limits.
func (s Searcher) evaluate(v0 float64, req Request) (profiles []voltage.Profile, complete, ok bool) {
	profiles = make([]voltage.Profile, 0, len(req.Seasons))
	ok = true
	for _, season := range req.Seasons {
		p := s.Model.Profile(v0, req.RSeg, season.Injections)
		if !p.Valid() {
			return nil, false, false
		}
		if ok && !s.within(p.Volts) {
			ok = false
		}
		profiles = append(profiles, p)
	}
	return profiles, true, ok
}

func (s Searcher) within(volts []float64) bool {
	for _, v := range volts {
		if !s.Limits.Within(v) {
			return false
		}
	}
	return true
}

func (s Searcher) maxDeviation(profiles []voltage.Profile) float64 {
	dev := 0.0
	for _, p := range profiles {
		for _, v := range p.Volts {
			dev = math.Max(dev, math.Abs(v-s.Limits.VNominal))
		}
	}
	return dev
}
