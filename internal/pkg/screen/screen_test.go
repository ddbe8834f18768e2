package screen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/dataset"
	"github.com/ohowland/cgc_screen/internal/pkg/logging"
	"github.com/ohowland/cgc_screen/internal/pkg/msg"
	"github.com/ohowland/cgc_screen/internal/pkg/robustness"
	"gotest.tools/v3/assert"
)

const columns = 12

const networksCSV = `line,size,line_impedance,line_length
loose,12,0.05,1
tight,12,0.05,1
gap,12,0.05,1
missing,12,0.05,1
collapse,12,1.4,1
clipped,15,0.05,1
`

type row struct {
	id     string
	values []string
}

func uniform(id string, p float64) row {
	values := make([]string, columns)
	for i := range values {
		values[i] = fmt.Sprint(p)
	}
	return row{id, values}
}

func profileCSV(rows ...row) string {
	var b strings.Builder
	b.WriteString(",p0")
	for i := 1; i <= columns; i++ {
		fmt.Fprintf(&b, ",p%d", i)
	}
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString(r.id + ",0," + strings.Join(r.values, ",") + "\n")
	}
	return b.String()
}

func testDataset(t *testing.T) dataset.Dataset {
	t.Helper()
	networks, err := dataset.ReadNetworks(strings.NewReader(networksCSV))
	assert.NilError(t, err)

	gap := uniform("gap", -1000)
	gap.values[5] = ""

	winter, err := dataset.ReadProfile("winter", strings.NewReader(profileCSV(
		uniform("loose", -2000),
		uniform("tight", -12000),
		gap,
		uniform("missing", -1000),
		uniform("collapse", -15000),
		uniform("clipped", 0),
	)))
	assert.NilError(t, err)

	summer, err := dataset.ReadProfile("summer", strings.NewReader(profileCSV(
		uniform("loose", 1500),
		uniform("tight", 0),
		uniform("gap", 500),
		uniform("collapse", 0),
		uniform("clipped", 0),
	)))
	assert.NilError(t, err)

	return dataset.Dataset{Networks: networks, Profiles: []dataset.Profile{winter, summer}}
}

func newPipeline(t *testing.T, workers int, pub Publisher) *Pipeline {
	t.Helper()
	cfg := config.Default()
	cfg.Batch.Workers = workers
	p, err := New(cfg, logging.Discard(), pub)
	assert.NilError(t, err)
	return p
}

func networkIDs(run Run) []string {
	out := make([]string, len(run.Records))
	for i, r := range run.Records {
		out[i] = r.NetworkID
	}
	return out
}

func TestScreenStage(t *testing.T) {
	p := newPipeline(t, 4, nil)
	run, err := p.Screen(context.Background(), testDataset(t))
	assert.NilError(t, err)

	assert.Equal(t, run.Stage, StageScreen)
	assert.Equal(t, run.Evaluated, 6)
	assert.Equal(t, run.Eligible, 3)
	assert.DeepEqual(t, networkIDs(run), []string{"clipped", "loose", "tight"})
	assert.Assert(t, run.Report == nil)
	assert.Assert(t, !run.Finished.Before(run.Started))

	clipped := run.Records[0]
	assert.Equal(t, clipped.Rank, 1)
	assert.Equal(t, clipped.Size, 15)
	assert.Assert(t, clipped.Robust)
	assert.Equal(t, clipped.Margin, 23.0)
	assert.Equal(t, clipped.Effort, 0.0)
	assert.Equal(t, len(clipped.Seasons), 2)
	winter, ok := clipped.Season("winter")
	assert.Assert(t, ok)
	assert.Equal(t, winter.Setpoint, 230.0)
	assert.Equal(t, len(winter.Volts), columns+1)

	assert.Assert(t, run.Records[1].Robust)
	tight := run.Records[2]
	assert.Assert(t, !tight.Robust)
	w, _ := tight.Season("winter")
	assert.Equal(t, w.Setpoint, 239.5)
	s, _ := tight.Season("summer")
	assert.Equal(t, s.Setpoint, 230.0)
	assert.Equal(t, tight.Effort, (9.5+0)/2)
	assert.Assert(t, w.Min >= 207 && w.Min < 207.1)
}

func TestSelectStage(t *testing.T) {
	p := newPipeline(t, 2, nil)
	run, err := p.Select(context.Background(), testDataset(t))
	assert.NilError(t, err)

	assert.Equal(t, run.Stage, StageSelect)
	assert.DeepEqual(t, networkIDs(run), []string{"clipped", "loose", "tight"})

	loose, tight := run.Records[1], run.Records[2]
	assert.Assert(t, loose.Effort > 0)
	assert.Assert(t, loose.Effort < tight.Effort)

	for _, season := range tight.Seasons {
		assert.Equal(t, season.Setpoint, 239.5)
	}
	w, _ := tight.Season("winter")
	assert.Equal(t, tight.Effort, 230-w.Min)
}

func TestRobustnessStage(t *testing.T) {
	p := newPipeline(t, 3, nil)
	run, err := p.Robustness(context.Background(), testDataset(t))
	assert.NilError(t, err)

	assert.Equal(t, run.Stage, StageRobustness)
	assert.Equal(t, len(run.Report), 3)

	byID := map[string]robustness.Entry{}
	for _, e := range run.Report {
		assert.Equal(t, e.Factor, 1.3)
		byID[e.NetworkID] = e
	}
	assert.Equal(t, run.Report[0].NetworkID, "loose")
	assert.Equal(t, byID["loose"].Class, robustness.Robust)
	assert.Equal(t, byID["clipped"].Class, robustness.Robust)
	assert.Equal(t, byID["tight"].Class, robustness.Sensitive)
	assert.Assert(t, byID["tight"].Setpoint == nil)
	assert.Equal(t, *byID["clipped"].Setpoint, 230.0)
}

func TestResultsIndependentOfWorkers(t *testing.T) {
	ds := testDataset(t)
	serial, err := newPipeline(t, 1, nil).Screen(context.Background(), ds)
	assert.NilError(t, err)
	parallel, err := newPipeline(t, 8, nil).Screen(context.Background(), ds)
	assert.NilError(t, err)
	assert.DeepEqual(t, serial.Records, parallel.Records)
}

func TestPublishesEvaluationsAndRanking(t *testing.T) {
	pub := msg.NewPublisher(uuid.New(), 16)
	sub := uuid.New()
	evaluations := pub.Subscribe(sub, msg.Evaluation)
	rankings := pub.Subscribe(sub, msg.Ranking)

	run, err := newPipeline(t, 2, pub).Screen(context.Background(), testDataset(t))
	assert.NilError(t, err)

	states := map[string]State{}
	for i := 0; i < 6; i++ {
		ev := (<-evaluations).Payload().(Evaluation)
		assert.Equal(t, ev.RunID, run.ID)
		states[ev.NetworkID] = ev.State
	}
	assert.Equal(t, states["gap"], Excluded)
	assert.Equal(t, states["missing"], Excluded)
	assert.Equal(t, states["collapse"], Collapsed)
	assert.Equal(t, states["tight"], Sensitive)
	assert.Equal(t, states["loose"], Robust)

	ranked := (<-rankings).Payload().(Run)
	assert.Equal(t, ranked.ID, run.ID)
	assert.Equal(t, len(ranked.Records), 3)
}

func TestClippedEvaluationIsFlagged(t *testing.T) {
	pub := msg.NewPublisher(uuid.New(), 16)
	evaluations := pub.Subscribe(uuid.New(), msg.Evaluation)

	_, err := newPipeline(t, 1, pub).Select(context.Background(), testDataset(t))
	assert.NilError(t, err)

	for i := 0; i < 6; i++ {
		ev := (<-evaluations).Payload().(Evaluation)
		assert.Equal(t, ev.Clipped, ev.NetworkID == "clipped", ev.NetworkID)
	}
}

func TestNoEligibleNetworks(t *testing.T) {
	ds := testDataset(t)
	ds.Networks = ds.Networks[4:5]
	_, err := newPipeline(t, 1, nil).Screen(context.Background(), ds)
	assert.Assert(t, errors.Is(err, ErrNoEligibleNetworks))

	_, err = newPipeline(t, 1, nil).Select(context.Background(), dataset.Dataset{})
	assert.Assert(t, errors.Is(err, ErrNoEligibleNetworks))
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newPipeline(t, 2, nil).Screen(ctx, testDataset(t))
	assert.Assert(t, errors.Is(err, context.Canceled))
}

func TestRunDispatchesStage(t *testing.T) {
	p := newPipeline(t, 2, nil)
	run, err := p.Run(context.Background(), StageSelect, testDataset(t))
	assert.NilError(t, err)
	assert.Equal(t, run.Stage, StageSelect)

	_, err = p.Run(context.Background(), Stage(42), testDataset(t))
	assert.Assert(t, errors.Is(err, ErrUnknownStage))
}

func TestNewRejectsBadModel(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Strategy = "spline"
	_, err := New(cfg, logging.Discard(), nil)
	assert.ErrorContains(t, err, "unknown model strategy")

	cfg = config.Default()
	cfg.Search.Effort = "cost"
	_, err = New(cfg, logging.Discard(), nil)
	assert.ErrorContains(t, err, "unknown effort")
}

func TestParseStage(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Stage
	}{
		{"screen", StageScreen},
		{"select", StageSelect},
		{"robustness", StageRobustness},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseStage(tc.in)
			assert.NilError(t, err)
			assert.Equal(t, got, tc.want)
			assert.Equal(t, got.String(), tc.in)
		})
	}
	_, err := ParseStage("deploy")
	assert.Assert(t, errors.Is(err, ErrUnknownStage))
}

func TestStateText(t *testing.T) {
	for s := Unscreened; s <= Sensitive; s++ {
		b, err := s.MarshalText()
		assert.NilError(t, err)
		var back State
		assert.NilError(t, back.UnmarshalText(b))
		assert.Equal(t, back, s)
	}
	var st State
	assert.ErrorContains(t, st.UnmarshalText([]byte("pending")), "unknown state")

	var stage Stage
	assert.NilError(t, stage.UnmarshalText([]byte("unknown")))
	assert.Equal(t, stage, Stage(0))
}
