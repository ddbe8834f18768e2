// Package screen runs the batch pipeline: every network of a dataset is
// searched for a feasible setpoint, scored and ranked.
package screen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ohowland/cgc_screen/internal/pkg/config"
	"github.com/ohowland/cgc_screen/internal/pkg/dataset"
	"github.com/ohowland/cgc_screen/internal/pkg/feasibility"
	"github.com/ohowland/cgc_screen/internal/pkg/logging"
	"github.com/ohowland/cgc_screen/internal/pkg/margin"
	"github.com/ohowland/cgc_screen/internal/pkg/msg"
	"github.com/ohowland/cgc_screen/internal/pkg/rank"
	"github.com/ohowland/cgc_screen/internal/pkg/robustness"
	"github.com/ohowland/cgc_screen/internal/pkg/voltage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrNoEligibleNetworks is returned when a stage finds no network to rank.
var ErrNoEligibleNetworks = errors.New("screen: no eligible networks")

var ErrUnknownStage = errors.New("screen: unknown stage")

// Stage is one of the pipeline's batch runs.
type Stage int

const (
	// StageScreen searches each season on its own over the screening band.
	StageScreen Stage = iota + 1
	// StageSelect searches all seasons jointly over the joint band.
	StageSelect
	// StageRobustness stresses the jointly feasible networks.
	StageRobustness
)

func (s Stage) String() string {
	switch s {
	case StageScreen:
		return "screen"
	case StageSelect:
		return "select"
	case StageRobustness:
		return "robustness"
	}
	return "unknown"
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	if string(b) == "unknown" {
		*s = 0
		return nil
	}
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStage maps a flag value onto a Stage.
func ParseStage(s string) (Stage, error) {
	switch s {
	case "screen", "screening":
		return StageScreen, nil
	case "select", "selection", "setpoint":
		return StageSelect, nil
	case "robustness", "robust":
		return StageRobustness, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStage, s)
}

// State is where a network ended up in the pipeline.
type State int

const (
	Unscreened State = iota
	// Excluded networks lack complete data in at least one season.
	Excluded
	Collapsed
	Infeasible
	// Feasible networks passed the baseline search and were not stressed.
	Feasible
	Robust
	Sensitive
)

func (s State) String() string {
	switch s {
	case Unscreened:
		return "unscreened"
	case Excluded:
		return "excluded"
	case Collapsed:
		return "collapsed"
	case Infeasible:
		return "infeasible"
	case Feasible:
		return "feasible"
	case Robust:
		return "robust"
	case Sensitive:
		return "sensitive"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for v := Unscreened; v <= Sensitive; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("screen: unknown state %q", b)
}

// Eligible reports whether a network in state s takes part in ranking.
func (s State) Eligible() bool {
	return s == Feasible || s == Robust || s == Sensitive
}

// Evaluation is the outcome for one network, published as it completes.
type Evaluation struct {
	RunID     uuid.UUID         `json:"RunID"`
	Stage     Stage             `json:"Stage"`
	NetworkID string            `json:"NetworkID"`
	Size      int               `json:"Size"`
	RSeg      float64           `json:"RSeg"`
	State     State             `json:"State"`
	Clipped   bool              `json:"Clipped"`
	Record    rank.Record       `json:"Record"`
	Entry     *robustness.Entry `json:"Entry,omitempty"`
}

// Run is the result of one stage over one dataset.
type Run struct {
	ID        uuid.UUID          `json:"ID"`
	Stage     Stage              `json:"Stage"`
	Started   time.Time          `json:"Started"`
	Finished  time.Time          `json:"Finished"`
	Evaluated int                `json:"Evaluated"`
	Eligible  int                `json:"Eligible"`
	Records   []rank.Record      `json:"Records"`
	Report    []robustness.Entry `json:"Report,omitempty"`
}

// Publisher receives evaluations and rankings. *msg.PubSub satisfies it.
type Publisher interface {
	Publish(msg.Topic, interface{})
}

// Pipeline evaluates datasets under one configuration.
type Pipeline struct {
	limits     config.Limits
	regulation config.Regulation
	stress     config.Stress
	effort     feasibility.EffortKind
	topK       int
	workers    int
	searcher   feasibility.Searcher
	pub        Publisher
	log        *logrus.Entry
}

// New builds a Pipeline from cfg. pub may be nil.
func New(cfg config.Config, logger logrus.FieldLogger, pub Publisher) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := voltage.ParseStrategy(cfg.Model.Strategy)
	if err != nil {
		return nil, err
	}
	model, err := voltage.New(strategy, cfg.Model.Diversity, cfg.Model.PowerScale)
	if err != nil {
		return nil, err
	}
	effort, err := feasibility.ParseEffort(cfg.Search.Effort)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		limits:     cfg.Limits,
		regulation: cfg.Regulation,
		stress:     cfg.Stress,
		effort:     effort,
		topK:       cfg.Ranking.TopK,
		workers:    cfg.Batch.Workers,
		searcher:   feasibility.NewSearcher(model, cfg.Limits),
		pub:        pub,
		log:        logging.Component(logger, "Screen"),
	}, nil
}

// Run executes stage over ds.
func (p *Pipeline) Run(ctx context.Context, stage Stage, ds dataset.Dataset) (Run, error) {
	switch stage {
	case StageScreen:
		return p.Screen(ctx, ds)
	case StageSelect:
		return p.Select(ctx, ds)
	case StageRobustness:
		return p.Robustness(ctx, ds)
	}
	return Run{}, fmt.Errorf("%w: %d", ErrUnknownStage, int(stage))
}

// Screen searches every season of every network on its own. A network is
// eligible when each season has a feasible setpoint; it is robust when each
// season stays feasible under the classify factor.
func (p *Pipeline) Screen(ctx context.Context, ds dataset.Dataset) (Run, error) {
	classifier := robustness.Evaluator{
		Searcher: p.searcher,
		Band:     p.regulation.Screening,
		Effort:   feasibility.SetpointDeviation,
	}

	return p.execute(ctx, StageScreen, ds, rank.Screening{}, func(ev *Evaluation, seasons []feasibility.SeasonInjections) error {
		results := make([]rank.SeasonResult, 0, len(seasons))
		margins := make([]float64, 0, len(seasons))
		efforts := make([]float64, 0, len(seasons))

		for _, s := range seasons {
			res, err := p.searcher.Search(feasibility.Request{
				Band:    p.regulation.Screening,
				RSeg:    ev.RSeg,
				Seasons: []feasibility.SeasonInjections{s},
				Effort:  feasibility.SetpointDeviation,
			})
			if err != nil {
				return err
			}
			if !res.OK() {
				ev.State = stateOf(res.Outcome)
				return nil
			}
			results = append(results, p.seasonResult(s.Season, res.Setpoint, res.Profiles[0]))
			margins = append(margins, margin.OfProfile(res.Profiles[0], p.limits))
			efforts = append(efforts, res.Effort)
		}

		class, err := classifier.Classify(ev.RSeg, seasons, p.stress.ClassifyFactor)
		if err != nil {
			return err
		}

		ev.State = Sensitive
		if class == robustness.Robust {
			ev.State = Robust
		}
		ev.Record.Robust = class == robustness.Robust
		ev.Record.Margin = margin.Mean(margins...)
		ev.Record.Effort = stat.Mean(efforts, nil)
		ev.Record.Seasons = results
		return nil
	})
}

// Select searches all seasons of every network jointly and ranks by the
// effort needed to hold the shared setpoint.
func (p *Pipeline) Select(ctx context.Context, ds dataset.Dataset) (Run, error) {
	return p.execute(ctx, StageSelect, ds, rank.SetpointSelection{}, func(ev *Evaluation, seasons []feasibility.SeasonInjections) error {
		_, err := p.baseline(ev, seasons)
		return err
	})
}

// Robustness searches jointly like Select, then stresses every feasible
// network by the report factor and records whether a shared setpoint
// survives.
func (p *Pipeline) Robustness(ctx context.Context, ds dataset.Dataset) (Run, error) {
	reporter := robustness.Evaluator{
		Searcher: p.searcher,
		Band:     p.regulation.Joint,
		Joint:    true,
		Effort:   p.effort,
	}

	return p.execute(ctx, StageRobustness, ds, rank.SetpointSelection{}, func(ev *Evaluation, seasons []feasibility.SeasonInjections) error {
		ok, err := p.baseline(ev, seasons)
		if err != nil || !ok {
			return err
		}
		entry, err := reporter.Report(ev.NetworkID, ev.Size, ev.RSeg, seasons, p.stress.ReportFactor)
		if err != nil {
			return err
		}
		ev.Entry = &entry
		ev.Record.Robust = entry.Class == robustness.Robust
		ev.State = Sensitive
		if ev.Record.Robust {
			ev.State = Robust
		}
		return nil
	})
}

// baseline runs the joint search and fills ev. ok is false when the network
// has no shared setpoint.
func (p *Pipeline) baseline(ev *Evaluation, seasons []feasibility.SeasonInjections) (bool, error) {
	res, err := p.searcher.Search(feasibility.Request{
		Band:    p.regulation.Joint,
		RSeg:    ev.RSeg,
		Seasons: seasons,
		Effort:  p.effort,
	})
	if err != nil {
		return false, err
	}
	if !res.OK() {
		ev.State = stateOf(res.Outcome)
		return false, nil
	}

	results := make([]rank.SeasonResult, len(seasons))
	margins := make([]float64, len(seasons))
	for i, s := range seasons {
		results[i] = p.seasonResult(s.Season, res.Setpoint, res.Profiles[i])
		margins[i] = margin.OfProfile(res.Profiles[i], p.limits)
	}

	ev.State = Feasible
	ev.Record.Effort = res.Effort
	ev.Record.Margin = margin.Mean(margins...)
	ev.Record.Seasons = results
	return true, nil
}

func (p *Pipeline) seasonResult(season string, setpoint float64, prof voltage.Profile) rank.SeasonResult {
	sr := rank.SeasonResult{Season: season, Setpoint: setpoint, Volts: prof.Volts}
	if len(prof.Volts) > 0 {
		sr.Min, sr.Max = floats.Min(prof.Volts), floats.Max(prof.Volts)
	}
	return sr
}

type evaluateFunc func(ev *Evaluation, seasons []feasibility.SeasonInjections) error

// execute evaluates every network with fn on a bounded worker pool, keeps
// results in dataset order and ranks the eligible ones under policy.
func (p *Pipeline) execute(ctx context.Context, stage Stage, ds dataset.Dataset, policy rank.Policy, fn evaluateFunc) (Run, error) {
	run := Run{ID: uuid.New(), Stage: stage, Started: time.Now()}
	log := p.log.WithFields(logrus.Fields{"run": run.ID, "stage": stage})
	log.WithField("networks", len(ds.Networks)).Info("stage started")

	evaluations := make([]Evaluation, len(ds.Networks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i, n := range ds.Networks {
		i, n := i, n
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ev := Evaluation{
				RunID:     run.ID,
				Stage:     stage,
				NetworkID: n.ID,
				Size:      n.Size,
				RSeg:      n.RSeg(),
			}
			ev.Record = rank.Record{NetworkID: n.ID, Size: n.Size, Margin: margin.Invalid}

			seasons, clipped, ok := ds.Complete(n)
			ev.Clipped = clipped
			if clipped {
				log.WithField("network", n.ID).Warn("node count clipped to available profile columns")
			}
			if !ok {
				ev.State = Excluded
				log.WithField("network", n.ID).Debug("incomplete profile data, excluded")
			} else if err := fn(&ev, seasons); err != nil {
				return fmt.Errorf("network %s: %w", n.ID, err)
			}

			if !ev.State.Eligible() {
				log.WithFields(logrus.Fields{"network": n.ID, "state": ev.State}).Info("network not eligible")
			}
			evaluations[i] = ev
			p.publish(msg.Evaluation, ev)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Run{}, err
	}
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}

	records := make([]rank.Record, 0, len(evaluations))
	for _, ev := range evaluations {
		if !ev.State.Eligible() {
			continue
		}
		records = append(records, ev.Record)
		if ev.Entry != nil {
			run.Report = append(run.Report, *ev.Entry)
		}
	}
	run.Evaluated = len(evaluations)
	run.Eligible = len(records)
	if len(records) == 0 {
		return Run{}, fmt.Errorf("%w: %s stage over %d networks", ErrNoEligibleNetworks, stage, len(evaluations))
	}

	run.Records = rank.Rank(records, policy, p.topK)
	run.Finished = time.Now()
	log.WithFields(logrus.Fields{
		"eligible": run.Eligible,
		"ranked":   len(run.Records),
		"elapsed":  run.Finished.Sub(run.Started),
	}).Info("stage finished")

	p.publish(msg.Ranking, run)
	return run, nil
}

func (p *Pipeline) publish(topic msg.Topic, payload interface{}) {
	if p.pub != nil {
		p.pub.Publish(topic, payload)
	}
}

func stateOf(o feasibility.Outcome) State {
	if o == feasibility.Collapsed {
		return Collapsed
	}
	return Infeasible
}
