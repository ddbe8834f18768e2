package export

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ohowland/cgc_screen/internal/pkg/rank"
	"github.com/ohowland/cgc_screen/internal/pkg/robustness"
	"github.com/ohowland/cgc_screen/internal/pkg/screen"
	"gotest.tools/v3/assert"
)

func sampleRun() screen.Run {
	setpoint, effort := 230.5, 4.256
	return screen.Run{
		ID:       uuid.New(),
		Stage:    screen.StageRobustness,
		Started:  time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
		Finished: time.Date(2026, 1, 5, 9, 0, 3, 0, time.UTC),
		Records: []rank.Record{
			{
				Rank: 1, NetworkID: "1041", Size: 38, Robust: true, Margin: 12.3456, Effort: 4.256,
				Seasons: []rank.SeasonResult{
					{Season: "winter", Setpoint: 230.5, Min: 218.004, Max: 230.5, Volts: []float64{230.5, 225, 218.004}},
					{Season: "summer", Setpoint: 230.5, Min: 230.5, Max: 234.999, Volts: []float64{230.5, 233, 234.999}},
				},
			},
			{Rank: 2, NetworkID: "77", Size: 12, Margin: 1, Effort: 0},
		},
		Report: []robustness.Entry{
			{NetworkID: "1041", Size: 38, Factor: 1.3, Class: robustness.Robust, Setpoint: &setpoint, Effort: &effort},
			{NetworkID: "77", Size: 12, Factor: 1.3, Class: robustness.Sensitive},
		},
	}
}

func TestWriteRanking(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, WriteRanking(&buf, sampleRun().Records))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, len(lines), 3)
	assert.Equal(t, lines[0], "rank,network_id,size,robust,margin,effort,winter_setpoint,winter_v_min,winter_v_max,summer_setpoint,summer_v_min,summer_v_max")
	assert.Equal(t, lines[1], "1,1041,38,true,12.35,4.26,230.50,218.00,230.50,230.50,230.50,235.00")
	assert.Equal(t, lines[2], "2,77,12,false,1.00,0.00,,,,,,")
}

func TestWriteRankingEmpty(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, WriteRanking(&buf, nil))
	assert.Equal(t, buf.String(), "rank,network_id,size,robust,margin,effort\n")
}

func TestWriteReport(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, WriteReport(&buf, sampleRun().Report))
	assert.Equal(t, buf.String(), "network_id,size,factor,class,setpoint,effort\n"+
		"1041,38,1.30,ROBUST,230.50,4.26\n"+
		"77,12,1.30,SENSITIVE,,\n")
}

func TestRunRoundTrip(t *testing.T) {
	run := sampleRun()
	var buf bytes.Buffer
	assert.NilError(t, WriteRun(&buf, run))
	assert.Assert(t, strings.Contains(buf.String(), `"Stage": "robustness"`))
	assert.Assert(t, strings.Contains(buf.String(), `"Class": "SENSITIVE"`))

	got, err := ReadRun(&buf)
	assert.NilError(t, err)
	assert.Equal(t, got.ID, run.ID)
	assert.Equal(t, got.Stage, run.Stage)
	assert.Assert(t, got.Started.Equal(run.Started))
	assert.DeepEqual(t, got.Records, run.Records)
	assert.Equal(t, got.Report[1].Class, robustness.Sensitive)
	assert.Assert(t, got.Report[1].Setpoint == nil)
}

func TestReadRunRejectsGarbage(t *testing.T) {
	_, err := ReadRun(strings.NewReader("{"))
	assert.ErrorContains(t, err, "decode run")
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	paths, err := Files(filepath.Join(dir, "out"), sampleRun())
	assert.NilError(t, err)
	assert.Equal(t, len(paths), 3)
	assert.Equal(t, filepath.Base(paths[0]), "robustness_ranking.csv")
	assert.Equal(t, filepath.Base(paths[1]), "robustness_report.csv")
	assert.Equal(t, filepath.Base(paths[2]), "robustness_run.json")

	run, err := LoadRun(paths[2])
	assert.NilError(t, err)
	assert.Equal(t, len(run.Records), 2)

	for _, p := range paths {
		info, err := os.Stat(p)
		assert.NilError(t, err)
		assert.Assert(t, info.Size() > 0)
	}
}

func TestFilesWithoutReport(t *testing.T) {
	run := sampleRun()
	run.Stage = screen.StageSelect
	run.Report = nil
	paths, err := Files(t.TempDir(), run)
	assert.NilError(t, err)
	assert.Equal(t, len(paths), 2)
}
