// Package robustness re-runs the feasibility search on injections scaled by
// a stress factor and classifies networks as robust or sensitive.
package robustness

import (
	"errors"
	"fmt"

	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/feasibility"
)

// Class is the outcome of a stress re-evaluation.
type Class int

const (
	Robust Class = iota + 1
	Sensitive
)

func (c Class) String() string {
	switch c {
	case Robust:
		return "ROBUST"
	case Sensitive:
		return "SENSITIVE"
	}
	return "UNKNOWN"
}

func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Class) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ROBUST":
		*c = Robust
	case "SENSITIVE":
		*c = Sensitive
	case "UNKNOWN":
		*c = 0
	default:
		return fmt.Errorf("robustness: unknown class %q", b)
	}
	return nil
}

var ErrBadFactor = errors.New("robustness: stress factor must be positive")

// Stress scales every injection by factor. The input is not modified.
func Stress(injections []float64, factor float64) []float64 {
	out := make([]float64, len(injections))
	for i, p := range injections {
		out[i] = p * factor
	}
	return out
}

// StressSeasons applies Stress to every season.
func StressSeasons(seasons []feasibility.SeasonInjections, factor float64) []feasibility.SeasonInjections {
	out := make([]feasibility.SeasonInjections, len(seasons))
	for i, s := range seasons {
		out[i] = feasibility.SeasonInjections{Season: s.Season, Injections: Stress(s.Injections, factor)}
	}
	return out
}

// Evaluator re-runs setpoint searches on stressed injections. With Joint
// unset every season is searched on its own and all must pass; with Joint
// set the seasons must share one stressed setpoint.
type Evaluator struct {
	Searcher feasibility.Searcher
	Band     config.Band
	Joint    bool
	Effort   feasibility.EffortKind
}

// Classify reports Robust iff the stressed searches stay feasible for every
// required season.
func (e Evaluator) Classify(rSeg float64, seasons []feasibility.SeasonInjections, factor float64) (Class, error) {
	if factor <= 0 {
		return 0, ErrBadFactor
	}
	stressed := StressSeasons(seasons, factor)
	if e.Joint {
		res, err := e.search(rSeg, stressed)
		if err != nil {
			return 0, err
		}
		return classOf(res.OK()), nil
	}

	for _, s := range stressed {
		res, err := e.search(rSeg, []feasibility.SeasonInjections{s})
		if err != nil {
			return 0, err
		}
		if !res.OK() {
			return Sensitive, nil
		}
	}
	return Robust, nil
}

// Entry is one line of the robustness report. Setpoint and Effort are nil
// for sensitive networks.
type Entry struct {
	NetworkID string   `json:"NetworkID"`
	Size      int      `json:"Size"`
	Factor    float64  `json:"Factor"`
	Class     Class    `json:"Class"`
	Setpoint  *float64 `json:"Setpoint,omitempty"`
	Effort    *float64 `json:"Effort,omitempty"`
}

// Report stresses the seasons jointly and records the stressed setpoint and
// effort when a feasible one remains.
func (e Evaluator) Report(id string, size int, rSeg float64, seasons []feasibility.SeasonInjections, factor float64) (Entry, error) {
	if factor <= 0 {
		return Entry{}, ErrBadFactor
	}
	entry := Entry{NetworkID: id, Size: size, Factor: factor, Class: Sensitive}

	res, err := e.search(rSeg, StressSeasons(seasons, factor))
	if err != nil {
		return Entry{}, err
	}
	if res.OK() {
		setpoint, effort := res.Setpoint, res.Effort
		entry.Class = Robust
		entry.Setpoint = &setpoint
		entry.Effort = &effort
	}
	return entry, nil
}

func (e Evaluator) search(rSeg float64, seasons []feasibility.SeasonInjections) (feasibility.Result, error) {
	return e.Searcher.Search(feasibility.Request{
		Band:    e.Band,
		RSeg:    rSeg,
		Seasons: seasons,
		Effort:  e.Effort,
	})
}

func classOf(ok bool) Class {
	if ok {
		return Robust
	}
	return Sensitive
}
