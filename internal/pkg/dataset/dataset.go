// Package dataset loads network specifications and seasonal injection
// profiles from CSV files.
//
// Network specifications carry one row per feeder with the columns line,
// size, line_impedance and line_length. A profile file carries one row per
// feeder keyed by the first column, followed by columns p0..pM where p0 is
// the substation and is never read.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/ohowland/cgc_screen/internal/pkg/feasibility"
)

var (
	ErrMissingColumn = errors.New("dataset: missing column")
	ErrBadRow        = errors.New("dataset: malformed row")
	ErrDuplicate     = errors.New("dataset: duplicate network id")
)

// Network is a serial feeder approximation.
type Network struct {
	ID        string
	Size      int
	Impedance float64
	Length    float64
}

// RSeg is the resistance of one segment.
func (n Network) RSeg() float64 {
	return n.Impedance * n.Length
}

// Profile holds one season's per-network injections, p1..pM.
type Profile struct {
	Season string
	rows   map[string][]float64
}

// Columns is the number of usable injection columns.
func (p Profile) Columns() int {
	max := 0
	for _, r := range p.rows {
		if len(r) > max {
			max = len(r)
		}
	}
	return max
}

// Injections returns the first n.Size injections of the network. The count
// is clipped to the columns available; clipped reports when that happened.
// ok is false when the row is absent or any used entry is missing or NaN.
func (p Profile) Injections(n Network) (injections []float64, clipped, ok bool) {
	row, found := p.rows[n.ID]
	if !found {
		return nil, false, false
	}
	count := n.Size
	if count > len(row) {
		count = len(row)
		clipped = true
	}
	out := make([]float64, count)
	for i := 0; i < count; i++ {
		if math.IsNaN(row[i]) {
			return nil, clipped, false
		}
		out[i] = row[i]
	}
	return out, clipped, true
}

// Dataset is one batch of input.
type Dataset struct {
	Networks []Network
	Profiles []Profile
}

// Seasons returns the names of the loaded profiles in order.
func (d Dataset) Seasons() []string {
	out := make([]string, len(d.Profiles))
	for i, p := range d.Profiles {
		out[i] = p.Season
	}
	return out
}

// Complete returns the injections of n for every loaded season. ok is false
// when any season lacks usable data for the network.
func (d Dataset) Complete(n Network) (seasons []feasibility.SeasonInjections, clipped, ok bool) {
	seasons = make([]feasibility.SeasonInjections, 0, len(d.Profiles))
	for _, p := range d.Profiles {
		inj, c, found := p.Injections(n)
		clipped = clipped || c
		if !found {
			return nil, clipped, false
		}
		seasons = append(seasons, feasibility.SeasonInjections{Season: p.Season, Injections: inj})
	}
	return seasons, clipped, len(seasons) > 0
}

// Load reads the network file and one profile file per season.
func Load(networksPath string, seasons, profilePaths []string) (Dataset, error) {
	if len(seasons) != len(profilePaths) {
		return Dataset{}, fmt.Errorf("dataset: %d seasons for %d profile files", len(seasons), len(profilePaths))
	}

	f, err := os.Open(networksPath)
	if err != nil {
		return Dataset{}, err
	}
	defer f.Close()
	networks, err := ReadNetworks(f)
	if err != nil {
		return Dataset{}, fmt.Errorf("%s: %w", networksPath, err)
	}

	ds := Dataset{Networks: networks}
	for i, path := range profilePaths {
		p, err := loadProfile(seasons[i], path)
		if err != nil {
			return Dataset{}, err
		}
		ds.Profiles = append(ds.Profiles, p)
	}
	return ds, nil
}

func loadProfile(season, path string) (Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return Profile{}, err
	}
	defer f.Close()
	p, err := ReadProfile(season, f)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ReadNetworks parses a network specification CSV.
func ReadNetworks(r io.Reader) ([]Network, error) {
	records, err := readAll(r)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty network file", ErrMissingColumn)
	}

	idx, err := columns(records[0], "line", "size", "line_impedance", "line_length")
	if err != nil {
		return nil, err
	}

	networks := make([]Network, 0, len(records)-1)
	seen := make(map[string]int, len(records)-1)
	width := 0
	for _, i := range idx {
		if i >= width {
			width = i + 1
		}
	}
	for lineNo, rec := range records[1:] {
		if len(rec) < width {
			return nil, fmt.Errorf("%w: line %d has %d fields", ErrBadRow, lineNo+2, len(rec))
		}
		id := strings.TrimSpace(rec[idx[0]])
		if first, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %q on lines %d and %d", ErrDuplicate, id, first, lineNo+2)
		}
		seen[id] = lineNo + 2
		size, err := strconv.ParseFloat(strings.TrimSpace(rec[idx[1]]), 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("%w: line %d size %q", ErrBadRow, lineNo+2, rec[idx[1]])
		}
		imp, err := strconv.ParseFloat(strings.TrimSpace(rec[idx[2]]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d impedance %q", ErrBadRow, lineNo+2, rec[idx[2]])
		}
		length, err := strconv.ParseFloat(strings.TrimSpace(rec[idx[3]]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d length %q", ErrBadRow, lineNo+2, rec[idx[3]])
		}
		networks = append(networks, Network{ID: id, Size: int(size), Impedance: imp, Length: length})
	}
	return networks, nil
}

// ReadProfile parses a seasonal profile CSV. Empty or unparseable entries
// are kept as NaN.
func ReadProfile(season string, r io.Reader) (Profile, error) {
	records, err := readAll(r)
	if err != nil {
		return Profile{}, err
	}
	if len(records) == 0 {
		return Profile{}, fmt.Errorf("%w: empty profile", ErrMissingColumn)
	}

	// p1..pM, in numeric order regardless of file order
	header := records[0]
	pos := map[int]int{}
	maxNode := 0
	for i, name := range header {
		name = strings.TrimSpace(name)
		if !strings.HasPrefix(name, "p") {
			continue
		}
		node, err := strconv.Atoi(name[1:])
		if err != nil || node < 1 {
			continue
		}
		pos[node] = i
		if node > maxNode {
			maxNode = node
		}
	}
	if maxNode == 0 {
		return Profile{}, fmt.Errorf("%w: no p1..pN columns", ErrMissingColumn)
	}

	rows := make(map[string][]float64, len(records)-1)
	for lineNo, rec := range records[1:] {
		if len(rec) == 0 {
			continue
		}
		id := strings.TrimSpace(rec[0])
		if _, ok := rows[id]; ok {
			return Profile{}, fmt.Errorf("%w: %q again on line %d", ErrDuplicate, id, lineNo+2)
		}
		row := make([]float64, maxNode)
		for node := 1; node <= maxNode; node++ {
			row[node-1] = math.NaN()
			i, ok := pos[node]
			if !ok || i >= len(rec) {
				continue
			}
			if v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64); err == nil {
				row[node-1] = v
			}
		}
		rows[id] = row
	}
	return Profile{Season: season, rows: rows}, nil
}

func readAll(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return reader.ReadAll()
}

func columns(header []string, names ...string) ([]int, error) {
	out := make([]int, len(names))
	for i, name := range names {
		out[i] = -1
		for j, h := range header {
			if strings.TrimSpace(h) == name {
				out[i] = j
				break
			}
		}
		if out[i] < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}
	}
	return out, nil
}
