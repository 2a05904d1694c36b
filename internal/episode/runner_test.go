package episode

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordan16ellis/fw-coll-env/internal/actions"
	"github.com/jordan16ellis/fw-coll-env/internal/barrier"
	"github.com/jordan16ellis/fw-coll-env/internal/physics"
	"github.com/jordan16ellis/fw-coll-env/internal/replay"
	"github.com/jordan16ellis/fw-coll-env/internal/simulation"
)

func testEnv() simulation.EnvConfig {
	return simulation.EnvConfig{DT: 0.1, MaxSimTime: 15, DoneDist: 25, SafetyDist: 25, TimeWarp: -1}
}

func testGrid() *actions.Grid {
	return actions.MustGrid([]float64{15}, []float64{-12, 0, 12}, []float64{0})
}

func testFilter(t *testing.T, grid *actions.Grid) *barrier.Filter {
	t.Helper()
	f, err := barrier.NewTurning(barrier.Params{DT: 0.1, MaxVal: 300, V: 15, WDeg: 12, SafetyDist: 25}, grid)
	require.NoError(t, err)
	return f
}

func headOn() simulation.Scenario {
	return simulation.Scenario{
		X1:    physics.NewSingleState(-50, 0, 0, 0),
		X2:    physics.NewSingleState(50, 0, 0, math.Pi),
		Goal1: physics.Point{X: 200},
		Goal2: physics.Point{X: -200},
	}
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("ep-%03d", n.Add(1)) }
}

type countingObserver struct {
	mu       sync.Mutex
	started  []string
	steps    int
	finished []Result
}

func (o *countingObserver) EpisodeStarted(info Info) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, info.ID)
	return nil
}

func (o *countingObserver) StepRecorded(Step) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps++
	return nil
}

func (o *countingObserver) EpisodeFinished(res Result) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, res)
	return nil
}

func TestNewRunnerValidates(t *testing.T) {
	grid := testGrid()
	_, err := NewRunner(testEnv(), nil, nil)
	assert.Error(t, err)

	bad := testEnv()
	bad.DT = 0
	_, err = NewRunner(bad, grid, nil)
	assert.Error(t, err)

	climbing := actions.MustGrid([]float64{15}, []float64{-12, 0, 12}, []float64{-1, 1})
	_, err = NewRunner(testEnv(), climbing, nil)
	assert.ErrorContains(t, err, "zero climb rate")

	other := actions.MustGrid([]float64{15, 20}, []float64{-12, 0, 12}, []float64{0})
	_, err = NewRunner(testEnv(), other, testFilter(t, grid))
	assert.ErrorContains(t, err, "differs")
}

func TestUnfilteredHeadOnCollides(t *testing.T) {
	runner, err := NewRunner(testEnv(), testGrid(), nil, WithIDGenerator(sequentialIDs()))
	require.NoError(t, err)

	obs := &countingObserver{}
	res, err := runner.Run(context.Background(), headOn(), 5, obs)
	require.NoError(t, err)

	assert.Equal(t, "ep-001", res.EpisodeID)
	assert.False(t, res.Filtered)
	assert.Zero(t, res.Overrides)
	assert.True(t, res.Collided)
	require.NotNil(t, res.FirstCollision)
	assert.InDelta(t, 2.55, *res.FirstCollision, 0.06)
	assert.Less(t, res.MinSeparation, 2.0)
	assert.NotEqual(t, OutcomeRunning, res.Outcome)
	assert.InDelta(t, float64(res.Steps)*0.1, res.SimTime, 1e-9)

	assert.Equal(t, []string{"ep-001"}, obs.started)
	assert.Equal(t, res.Steps, obs.steps)
	require.Len(t, obs.finished, 1)
	assert.Equal(t, res.Steps, obs.finished[0].Steps)
}

func TestFilteredHeadOnKeepsSeparation(t *testing.T) {
	grid := testGrid()
	runner, err := NewRunner(testEnv(), grid, testFilter(t, grid))
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), headOn(), 5)
	require.NoError(t, err)

	assert.True(t, res.Filtered)
	assert.False(t, res.Collided)
	assert.Nil(t, res.FirstCollision)
	assert.Greater(t, res.MinSeparation, 25.0)
	assert.Positive(t, res.Overrides)
	assert.LessOrEqual(t, res.OverrideRate(), 1.0)
}

func TestEpisodeStepAfterDone(t *testing.T) {
	cfg := testEnv()
	cfg.MaxSimTime = 0.3
	runner, err := NewRunner(cfg, testGrid(), nil)
	require.NoError(t, err)

	ep, err := runner.Start(headOn(), 1)
	require.NoError(t, err)
	for !ep.Done() {
		step, err := ep.Step()
		require.NoError(t, err)
		assert.Equal(t, step.NominalIndex, step.AppliedIndex)
	}
	_, err = ep.Step()
	assert.ErrorIs(t, err, ErrFinished)

	res, err := ep.Finish()
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Equal(t, 3, res.Steps)
}

func TestRunStopsOnCancel(t *testing.T) {
	runner, err := NewRunner(testEnv(), testGrid(), nil)
	require.NoError(t, err)
	obs := &countingObserver{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := runner.Run(ctx, headOn(), 1, obs)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Steps)
	assert.Equal(t, OutcomeRunning, res.Outcome)
	assert.Len(t, obs.finished, 1)
}

func TestRunManyIsDeterministic(t *testing.T) {
	grid := testGrid()
	runner, err := NewRunner(testEnv(), grid, nil, WithIDGenerator(sequentialIDs()))
	require.NoError(t, err)

	batch := Batch{Count: 6, Seed: 11, Limits: simulation.DefaultScenarioLimits()}
	batch.Workers = 1
	serial, err := runner.RunMany(context.Background(), batch)
	require.NoError(t, err)
	batch.Workers = 3
	obs := &countingObserver{}
	parallel, err := runner.RunMany(context.Background(), batch, obs)
	require.NoError(t, err)

	require.Len(t, parallel, 6)
	for i := range serial {
		assert.Equal(t, i, parallel[i].Index)
		assert.Equal(t, serial[i].Steps, parallel[i].Steps)
		assert.Equal(t, serial[i].Outcome, parallel[i].Outcome)
		assert.Equal(t, serial[i].MinSeparation, parallel[i].MinSeparation)
	}
	assert.Len(t, obs.started, 6)
	assert.Len(t, obs.finished, 6)

	summary := Summarize(parallel)
	assert.Equal(t, 6, summary.Episodes)
	assert.Equal(t, 6, summary.GoalReached+summary.TimedOut)
	assert.Zero(t, summary.OverrideRate())
	assert.False(t, summary.Filtered)

	_, err = runner.RunMany(context.Background(), Batch{})
	assert.Error(t, err)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.Episodes)
	assert.Zero(t, s.CollisionRate())
	assert.Zero(t, s.OverrideRate())
}

func TestRecorderWritesBundle(t *testing.T) {
	grid := testGrid()
	cfg := testEnv()
	cfg.MaxSimTime = 5
	runner, err := NewRunner(cfg, grid, testFilter(t, grid), WithIDGenerator(func() string { return "recorded" }))
	require.NoError(t, err)

	rec := NewRecorder(t.TempDir(), nil)
	res, err := runner.Run(context.Background(), headOn(), 3, rec)
	require.NoError(t, err)

	dir, ok := rec.Directory("recorded")
	require.True(t, ok)
	bundle, err := replay.OpenBundle(dir)
	require.NoError(t, err)

	assert.Equal(t, "recorded", bundle.Header.EpisodeID)
	assert.Equal(t, uint64(3), bundle.Header.Seed)
	assert.True(t, bundle.Header.Filtered())
	assert.Equal(t, fmt.Sprintf("%016x", grid.Fingerprint()), bundle.Header.GridFingerprint)
	require.Len(t, bundle.Frames, res.Steps)

	overrides := 0
	for i, fr := range bundle.Frames {
		assert.Equal(t, uint64(i+1), fr.Tick)
		if fr.Frame.Override {
			overrides++
			assert.NotEqual(t, fr.Frame.Nominal, fr.Frame.Applied)
		}
	}
	assert.Equal(t, res.Overrides, overrides)
	assert.Len(t, bundle.EventsOfType(EventOverride), res.Overrides)
	assert.Len(t, bundle.EventsOfType(EventStarted), 1)
	assert.Len(t, bundle.EventsOfType(EventFinished), 1)
}

func TestInfoJSONRestoresFilter(t *testing.T) {
	grid := testGrid()
	info := Info{ID: "ep-json", Seed: 4, Scenario: headOn(), Env: testEnv(), Filter: testFilter(t, grid), Grid: grid}
	data, err := json.Marshal(info)
	require.NoError(t, err)

	var decoded Info
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.Filter)
	assert.Equal(t, info.Filter.Spec().Params, decoded.Filter.Spec().Params)
	assert.True(t, decoded.Filter.Grid().Equal(grid))
	x := physics.JointState{X1: info.Scenario.X1, X2: info.Scenario.X2}
	assert.Equal(t, info.Filter.CalcH(x), decoded.Filter.CalcH(x))

	//1.- Unfiltered episodes decode without a filter.
	info.Filter = nil
	data, err = json.Marshal(info)
	require.NoError(t, err)
	decoded = Info{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Nil(t, decoded.Filter)
}
