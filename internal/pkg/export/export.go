// Package export writes runs to CSV and JSON.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ohowland/cgc_screen/internal/pkg/rank"
	"github.com/ohowland/cgc_screen/internal/pkg/robustness"
	"github.com/ohowland/cgc_screen/internal/pkg/screen"
	"github.com/shopspring/decimal"
)

// Places is the number of decimals kept in CSV output.
const Places = 2

func round(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(Places)
}

// WriteRanking writes one CSV row per record. Per-season columns follow the
// season order of the first record; voltage arrays are left to the JSON dump.
func WriteRanking(w io.Writer, records []rank.Record) error {
	var seasons []string
	if len(records) > 0 {
		for _, s := range records[0].Seasons {
			seasons = append(seasons, s.Season)
		}
	}

	header := []string{"rank", "network_id", "size", "robust", "margin", "effort"}
	for _, s := range seasons {
		header = append(header, s+"_setpoint", s+"_v_min", s+"_v_max")
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			strconv.Itoa(r.Rank),
			r.NetworkID,
			strconv.Itoa(r.Size),
			strconv.FormatBool(r.Robust),
			round(r.Margin),
			round(r.Effort),
		}
		for _, name := range seasons {
			s, ok := r.Season(name)
			if !ok {
				row = append(row, "", "", "")
				continue
			}
			row = append(row, round(s.Setpoint), round(s.Min), round(s.Max))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteReport writes the robustness report. Sensitive entries have empty
// setpoint and effort cells.
func WriteReport(w io.Writer, entries []robustness.Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"network_id", "size", "factor", "class", "setpoint", "effort"}); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{e.NetworkID, strconv.Itoa(e.Size), round(e.Factor), e.Class.String(), "", ""}
		if e.Setpoint != nil {
			row[4] = round(*e.Setpoint)
		}
		if e.Effort != nil {
			row[5] = round(*e.Effort)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteRun dumps the full run, voltage arrays included.
func WriteRun(w io.Writer, run screen.Run) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}

// ReadRun reads a run written by WriteRun.
func ReadRun(r io.Reader) (screen.Run, error) {
	var run screen.Run
	if err := json.NewDecoder(r).Decode(&run); err != nil {
		return screen.Run{}, fmt.Errorf("export: decode run: %w", err)
	}
	return run, nil
}

// LoadRun reads a run file.
func LoadRun(path string) (screen.Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return screen.Run{}, err
	}
	defer f.Close()
	return ReadRun(f)
}

// Files writes the ranking CSV, the report CSV when present, and the JSON
// dump into dir, named after the stage. It returns the written paths.
func Files(dir string, run screen.Run) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var paths []string
	write := func(name string, fn func(io.Writer) error) error {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			f.Close()
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	}

	stage := run.Stage.String()
	if err := write(stage+"_ranking.csv", func(w io.Writer) error { return WriteRanking(w, run.Records) }); err != nil {
		return paths, err
	}
	if len(run.Report) > 0 {
		if err := write(stage+"_report.csv", func(w io.Writer) error { return WriteReport(w, run.Report) }); err != nil {
			return paths, err
		}
	}
	if err := write(stage+"_run.json", func(w io.Writer) error { return WriteRun(w, run) }); err != nil {
		return paths, err
	}
	return paths, nil
}
