package episoderunner

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jordan16ellis/fw-coll-env/internal/barrier"
	"github.com/jordan16ellis/fw-coll-env/internal/config"
	"github.com/jordan16ellis/fw-coll-env/internal/episode"
	"github.com/jordan16ellis/fw-coll-env/internal/logging"
	"github.com/jordan16ellis/fw-coll-env/internal/store"
)

// Mode selects which arms of the evaluation run.
type Mode string

const (
	ModeFiltered   Mode = "filtered"
	ModeUnfiltered Mode = "unfiltered"
	ModeCompare    Mode = "compare"
)

// ParseMode accepts the Mode names.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeFiltered, ModeUnfiltered, ModeCompare:
		return m, nil
	case "":
		return ModeCompare, nil
	default:
		return "", fmt.Errorf("unknown mode %q", raw)
	}
}

// Options configures one evaluation.
type Options struct {
	Config         *config.Config
	Mode           Mode
	Count          int
	Workers        int
	Seed           uint64
	ReplayDir      string
	DSN            string
	Migrate        bool
	RunID          string
	IncludeResults bool
}

// Arm is the outcome of one filtered or unfiltered batch.
type Arm struct {
	RunID         string                    `json:"run_id"`
	Summary       episode.Summary           `json:"summary"`
	CollisionRate float64                   `json:"collision_rate"`
	OverrideRate  float64                   `json:"override_rate"`
	Decisions     *barrier.DecisionSnapshot `json:"decisions,omitempty"`
	Results       []episode.Result          `json:"results,omitempty"`
}

// Report is the JSON document printed by the episode runner.
type Report struct {
	RunID      string `json:"run_id"`
	Seed       uint64 `json:"seed"`
	Count      int    `json:"count"`
	Filtered   *Arm   `json:"filtered,omitempty"`
	Unfiltered *Arm   `json:"unfiltered,omitempty"`
}

// Run samples opts.Count scenarios from opts.Seed and flies them once per
// selected arm. Both arms see identical scenarios.
func Run(ctx context.Context, opts Options, logger *logging.Logger) (*Report, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if logger == nil {
		logger = logging.L()
	}
	if opts.Count <= 0 {
		return nil, fmt.Errorf("episode count must be positive, got %d", opts.Count)
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeCompare
	}

	var db *store.Store
	if opts.DSN != "" {
		s, err := store.New(ctx, opts.DSN)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		if opts.Migrate {
			if err := s.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		db = s
	}

	report := &Report{RunID: opts.RunID, Seed: opts.Seed, Count: opts.Count}
	//1.- Both arms replay the same sampled scenarios, unfiltered first.
	if mode == ModeUnfiltered || mode == ModeCompare {
		arm, err := runArm(ctx, opts, false, db, logger)
		if err != nil {
			return nil, err
		}
		report.Unfiltered = arm
	}
	if mode == ModeFiltered || mode == ModeCompare {
		arm, err := runArm(ctx, opts, true, db, logger)
		if err != nil {
			return nil, err
		}
		report.Filtered = arm
	}
	return report, nil
}

func runArm(ctx context.Context, opts Options, filtered bool, db *store.Store, logger *logging.Logger) (*Arm, error) {
	label := string(ModeUnfiltered)
	if filtered {
		label = string(ModeFiltered)
	}
	runID := opts.RunID + "-" + label
	armLogger := logger.With(logging.String("run_id", runID))

	monitor := barrier.NewDecisionMonitor()
	setup, err := episode.FromConfig(opts.Config, filtered, monitor, episode.WithLogger(armLogger))
	if err != nil {
		return nil, err
	}
	var observers []episode.Observer
	if opts.ReplayDir != "" {
		observers = append(observers, episode.NewRecorder(opts.ReplayDir, nil))
	}

	results, err := setup.Runner.RunMany(ctx, episode.Batch{
		Count:   opts.Count,
		Workers: opts.Workers,
		Seed:    opts.Seed,
		Limits:  opts.Config.Scenario,
	}, observers...)
	if err != nil {
		return nil, fmt.Errorf("%s arm: %w", label, err)
	}
	summary := episode.Summarize(results)
	arm := &Arm{
		RunID:         runID,
		Summary:       summary,
		CollisionRate: summary.CollisionRate(),
		OverrideRate:  summary.OverrideRate(),
	}
	if filtered {
		snapshot := monitor.Snapshot()
		arm.Decisions = &snapshot
	}
	if opts.IncludeResults {
		arm.Results = results
	}

	if db != nil {
		run := store.Run{
			ID:              runID,
			Seed:            opts.Seed,
			Filtered:        filtered,
			GridFingerprint: fmt.Sprintf("%016x", setup.Grid.Fingerprint()),
		}
		if setup.Filter != nil {
			spec := setup.Filter.Spec()
			run.Filter = &spec
		}
		if err := db.SaveRun(ctx, run, results); err != nil {
			return nil, err
		}
		armLogger.Info("episode results stored", logging.Int("episodes", len(results)))
	}
	return arm, nil
}
