// Package rank orders per-network screening results.
package rank

import (
	"errors"
	"fmt"
	"sort"
)

// TopK is the number of records kept by a ranking.
const TopK = 10

// SeasonResult is the winning setpoint and profile of one season.
type SeasonResult struct {
	Season   string    `json:"Season" bson:"season"`
	Setpoint float64   `json:"Setpoint" bson:"setpoint"`
	Min      float64   `json:"Min" bson:"min"`
	Max      float64   `json:"Max" bson:"max"`
	Volts    []float64 `json:"Volts" bson:"volts"`
}

// Record aggregates the screening metrics of one network.
type Record struct {
	Rank      int            `json:"Rank" bson:"rank"`
	NetworkID string         `json:"NetworkID" bson:"network_id"`
	Size      int            `json:"Size" bson:"size"`
	Robust    bool           `json:"Robust" bson:"robust"`
	Margin    float64        `json:"Margin" bson:"margin"`
	Effort    float64        `json:"Effort" bson:"effort"`
	Seasons   []SeasonResult `json:"Seasons" bson:"seasons"`
}

// Season returns the result for the named season.
func (r Record) Season(name string) (SeasonResult, bool) {
	for _, s := range r.Seasons {
		if s.Season == name {
			return s, true
		}
	}
	return SeasonResult{}, false
}

// Policy is an ordering of records.
type Policy interface {
	Name() string
	Less(a, b Record) bool
}

// Screening orders by size desc, robust first, then margin desc.
type Screening struct{}

func (Screening) Name() string { return "screening" }

func (Screening) Less(a, b Record) bool {
	if a.Size != b.Size {
		return a.Size > b.Size
	}
	if a.Robust != b.Robust {
		return a.Robust
	}
	return a.Margin > b.Margin
}

// SetpointSelection orders by size desc, then effort asc.
type SetpointSelection struct{}

func (SetpointSelection) Name() string { return "setpoint-selection" }

func (SetpointSelection) Less(a, b Record) bool {
	if a.Size != b.Size {
		return a.Size > b.Size
	}
	return a.Effort < b.Effort
}

var ErrUnknownPolicy = errors.New("rank: unknown policy")

// ParsePolicy maps a configuration string onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "screening":
		return Screening{}, nil
	case "setpoint-selection", "setpoint":
		return SetpointSelection{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Rank returns the first k records under policy, numbered from 1. Equal
// records keep their input order. records is not modified.
func Rank(records []Record, policy Policy, k int) []Record {
	ranked := make([]Record, len(records))
	copy(ranked, records)
	sort.SliceStable(ranked, func(i, j int) bool {
		return policy.Less(ranked[i], ranked[j])
	})
	if k >= 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}
