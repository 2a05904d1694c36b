package barrier

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordan16ellis/fw-coll-env/internal/actions"
	"github.com/jordan16ellis/fw-coll-env/internal/physics"
)

const (
	testDT     = 0.1
	testV      = 15.0
	testW      = 12.0
	testMaxVal = 300.0
	testSafety = 5.0
)

func newTestFilter(t *testing.T, opts ...Option) (*actions.Grid, *Filter) {
	t.Helper()
	grid, err := actions.NewGrid([]float64{15, 20, 25}, []float64{-testW, 0, testW}, []float64{0})
	require.NoError(t, err)
	f, err := NewTurning(Params{DT: testDT, MaxVal: testMaxVal, V: testV, WDeg: testW, SafetyDist: testSafety}, grid, opts...)
	require.NoError(t, err)
	return grid, f
}

func mustConstraint(t *testing.T, f *Filter, x physics.JointState, a physics.JointAction) float64 {
	t.Helper()
	val, err := f.Constraint(f.CalcH(x), x, a)
	require.NoError(t, err)
	return val
}

func TestNewTurningValidation(t *testing.T) {
	grid := actions.MustGrid([]float64{15}, []float64{-12, 0, 12, 7}, []float64{0})

	_, err := NewTurning(Params{DT: 0.3, MaxVal: 1, V: 15, WDeg: 12, SafetyDist: 1}, grid)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "dt", cfgErr.Field)

	_, err = NewTurning(Params{DT: 0.1, MaxVal: 1, V: 15, WDeg: 7, SafetyDist: 1}, grid)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "w_deg", cfgErr.Field)

	_, err = NewTurning(Params{DT: 0.1, MaxVal: 1, V: 15, WDeg: 0, SafetyDist: 1}, grid)
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewTurning(Params{DT: 0.1, MaxVal: 1, V: 20, WDeg: 12, SafetyDist: 1}, grid)
	var lookup *actions.LookupError
	require.ErrorAs(t, err, &lookup)

	_, err = NewTurning(Params{DT: 0.1, MaxVal: 1, V: 15, WDeg: 30, SafetyDist: 1}, grid)
	require.ErrorAs(t, err, &lookup)

	f, err := NewTurning(Params{DT: 0.1, MaxVal: 1, V: 15, WDeg: -12, SafetyDist: 1}, grid)
	require.NoError(t, err)
	assert.Equal(t, 300, f.Steps())
}

func TestNewStraightValidation(t *testing.T) {
	grid := actions.MustGrid([]float64{15}, []float64{-12, 12}, []float64{0})
	_, err := NewStraight(Params{DT: 0.1, MaxVal: 1, V: 15, SafetyDist: 1}, grid)
	var lookup *actions.LookupError
	require.ErrorAs(t, err, &lookup, "straight flight must be part of the grid")

	grid = actions.MustGrid([]float64{15}, []float64{0}, []float64{0})
	f, err := NewStraight(Params{DT: 0.25, MaxVal: 1, V: 15, SafetyDist: 1}, grid)
	require.NoError(t, err)
	assert.Equal(t, 120, f.Steps())
	assert.Equal(t, Straight, f.Kind())

	_, err = NewStraight(Params{DT: 0.15, MaxVal: 1, V: 15, SafetyDist: 1}, grid)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestMaxValFarField(t *testing.T) {
	grid, f := newTestFilter(t)
	joint := f.JointIndex()
	x := physics.JointState{X1: physics.NewSingleState(5000, 0, 0, 0), X2: physics.NewSingleState(-5000, 0, 0, 0)}
	require.Equal(t, testMaxVal, f.CalcH(x))

	for _, ac1 := range grid.Actions() {
		for _, ac2 := range grid.Actions() {
			ac := physics.JointAction{A1: ac1, A2: ac2}
			dh, err := f.CalcDH(x, ac)
			require.NoError(t, err)
			assert.Equal(t, 0.0, dh)

			idx, err := joint.Index(ac)
			require.NoError(t, err)
			row := x.Flatten()
			out, err := f.Choose(context.Background(), [][]float64{row[:]}, []int{idx})
			require.NoError(t, err)
			assert.Equal(t, []int{idx}, out)
		}
	}
}

func TestOverrideProducesSafeActions(t *testing.T) {
	grid, f := newTestFilter(t)
	joint := f.JointIndex()
	x := physics.JointState{X1: physics.NewSingleState(21, -1, 0, math.Pi), X2: physics.NewSingleState(-21, 1, 0, 0)}
	h := f.CalcH(x)
	require.Less(t, h, testMaxVal)

	row := x.Flatten()
	for _, ac1 := range grid.Actions() {
		for _, ac2 := range grid.Actions() {
			ac := physics.JointAction{A1: ac1, A2: ac2}
			idx, err := joint.Index(ac)
			require.NoError(t, err)
			out, err := f.ChooseFlat(context.Background(), row[:], []int{idx})
			require.NoError(t, err)
			safe, err := joint.Action(out[0])
			require.NoError(t, err)
			assert.GreaterOrEqual(t, mustConstraint(t, f, x, safe), 0.0)
		}
	}
}

func TestChooseSingleKeepsSafeNominal(t *testing.T) {
	grid, f := newTestFilter(t)
	rng := rand.New(rand.NewPCG(7, 11))
	all := grid.Actions()
	for i := 0; i < 50; i++ {
		x := randomState(rng, 200)
		nominal := physics.JointAction{A1: all[rng.IntN(len(all))], A2: all[rng.IntN(len(all))]}
		chosen, err := f.ChooseSingle(x, nominal)
		require.NoError(t, err)

		nominalVal := mustConstraint(t, f, x, nominal)
		chosenVal := mustConstraint(t, f, x, chosen)
		if nominalVal >= 0 {
			assert.Equal(t, nominal, chosen)
		}
		assert.GreaterOrEqual(t, chosenVal, nominalVal)

		//1.- A safe choice is a fixed point of the filter.
		if chosenVal >= 0 {
			again, err := f.ChooseSingle(x, chosen)
			require.NoError(t, err)
			assert.Equal(t, chosen, again)
		}
	}
}

func TestChooseSingleRejectsOffGridNominal(t *testing.T) {
	_, f := newTestFilter(t)
	x := physics.JointState{X1: physics.NewSingleState(0, 0, 0, 0), X2: physics.NewSingleState(100, 0, 0, 0)}
	_, err := f.ChooseSingle(x, physics.JointAction{A1: physics.SingleAction{V: 15, W: 0.2}, A2: physics.SingleAction{V: 15}})
	var lookup *actions.LookupError
	require.ErrorAs(t, err, &lookup)

	_, err = f.CalcDH(x, physics.JointAction{A1: physics.SingleAction{V: 1}})
	require.ErrorAs(t, err, &lookup)
}

func TestHeadOnCourseIsCorrected(t *testing.T) {
	grid := actions.MustGrid([]float64{1, 2}, []float64{-30, 0, 30}, []float64{0})
	f, err := NewTurning(Params{DT: 0.1, MaxVal: 100, V: 1, WDeg: 30, SafetyDist: 1}, grid)
	require.NoError(t, err)

	x := physics.JointState{X1: physics.NewSingleState(-0.25, 0, 0, 0), X2: physics.NewSingleState(0.25, 0, 0, math.Pi)}
	require.Less(t, f.CalcH(x), 0.0)

	straight := physics.SingleAction{V: 1}
	nominal := physics.JointAction{A1: straight, A2: straight}
	chosen, err := f.ChooseSingle(x, nominal)
	require.NoError(t, err)
	require.NotEqual(t, nominal, chosen)

	//1.- Re-simulate both commands and compare the predicted margin after the step.
	correctedNext := f.CalcH(x.Advanced(f.Params().DT, chosen))
	nominalNext := f.CalcH(x.Advanced(f.Params().DT, nominal))
	assert.Greater(t, correctedNext, nominalNext)
	assert.Greater(t, mustConstraint(t, f, x, chosen), mustConstraint(t, f, x, nominal))
}

func TestTurningRolloutCoversFullPeriod(t *testing.T) {
	_, f := newTestFilter(t)
	rng := rand.New(rand.NewPCG(3, 5))
	for i := 0; i < 20; i++ {
		x := randomState(rng, 200)
		closest := f.ClosestFutureDist(x)

		//1.- Fly several revolutions by hand and confirm nothing closer appears later.
		longest := x.Dist()
		probe := physics.JointAction{A1: f.probe, A2: f.probe}
		y := x
		for step := 0; step < 4*f.Steps(); step++ {
			physics.AdvanceJoint(f.Params().DT, probe, &y)
			longest = math.Min(longest, y.Dist())
		}
		assert.InDelta(t, closest, longest, 1e-6)
	}
}

func TestStraightRolloutStopsAtClosestApproach(t *testing.T) {
	grid := actions.MustGrid([]float64{1}, []float64{0}, []float64{0})
	f, err := NewStraight(Params{DT: 0.1, MaxVal: 100, V: 1, SafetyDist: 0.5}, grid)
	require.NoError(t, err)

	//1.- Head-on at 0.2 per step closing speed reaches 0.1 before separating again.
	x := physics.JointState{X1: physics.NewSingleState(-0.25, 0, 0, 0), X2: physics.NewSingleState(0.25, 0, 0, math.Pi)}
	assert.InDelta(t, 0.1, f.ClosestFutureDist(x), 1e-9)

	//2.- Diverging vehicles are already at their closest.
	apart := physics.JointState{X1: physics.NewSingleState(10, 0, 0, 0), X2: physics.NewSingleState(-10, 0, 0, math.Pi)}
	assert.Equal(t, 20.0, f.ClosestFutureDist(apart))

	//3.- Distances before the returned minimum never increase.
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 20; i++ {
		s := randomState(rng, 50)
		closest := f.ClosestFutureDist(s)
		prev := s.Dist()
		assert.LessOrEqual(t, closest, prev)
		probe := physics.JointAction{A1: f.probe, A2: f.probe}
		for step := 0; step < f.Steps(); step++ {
			physics.AdvanceJoint(f.Params().DT, probe, &s)
			d := s.Dist()
			if d >= prev {
				break
			}
			prev = d
		}
		assert.Equal(t, prev, closest)
	}
}

func TestChooseShapeErrors(t *testing.T) {
	_, f := newTestFilter(t)
	ctx := context.Background()

	_, err := f.Choose(ctx, [][]float64{{1, 2, 3, 4, 5, 6, 7}}, []int{0})
	var shape *ShapeError
	require.ErrorAs(t, err, &shape)
	assert.Equal(t, 7, shape.Width)

	_, err = f.Choose(ctx, [][]float64{make([]float64, 8)}, []int{0, 1})
	require.ErrorAs(t, err, &shape)

	_, err = f.ChooseFlat(ctx, make([]float64, 12), []int{0})
	require.ErrorAs(t, err, &shape)
}

func TestChooseReportsOffendingRow(t *testing.T) {
	_, f := newTestFilter(t)
	rows := [][]float64{
		{0, 0, 0, 0, 500, 0, 0, 0},
		{0, 0, 0, 0, 500, 0, 0, 0},
	}
	_, err := f.Choose(context.Background(), rows, []int{0, 81})
	var rangeErr *actions.RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Contains(t, err.Error(), "row 1")
}

func TestChooseParallelMatchesSequential(t *testing.T) {
	_, sequential := newTestFilter(t)
	monitor := NewDecisionMonitor()
	_, parallel := newTestFilter(t, WithWorkers(4), WithMonitor(monitor))

	rng := rand.New(rand.NewPCG(42, 99))
	const rows = 24
	flat := make([]float64, 0, rows*physics.StateWidth)
	nominal := make([]int, rows)
	for i := 0; i < rows; i++ {
		row := randomState(rng, 60).Flatten()
		flat = append(flat, row[:]...)
		nominal[i] = rng.IntN(sequential.JointIndex().Len())
	}

	want, err := sequential.ChooseFlat(context.Background(), flat, nominal)
	require.NoError(t, err)
	got, err := parallel.ChooseFlat(context.Background(), flat, nominal)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	snapshot := monitor.Snapshot()
	assert.Equal(t, rows, snapshot.Decisions)
	assert.LessOrEqual(t, snapshot.Overrides, rows)
}

func TestChooseHonoursCancellation(t *testing.T) {
	_, f := newTestFilter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.ChooseFlat(ctx, make([]float64, 16), []int{0, 0})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSpecRoundTrip(t *testing.T) {
	_, f := newTestFilter(t)
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var spec Spec
	require.NoError(t, json.Unmarshal(data, &spec))
	rebuilt, err := FromSpec(spec)
	require.NoError(t, err)
	assert.Equal(t, f.Params(), rebuilt.Params())
	assert.Equal(t, f.Kind(), rebuilt.Kind())
	assert.True(t, f.Grid().Equal(rebuilt.Grid()))
	assert.Equal(t, f.String(), rebuilt.String())
	assert.Equal(t, "TurningFilter(dt=0.1, max_val=300, v=15, w_deg=12, safety_dist=5)", f.String())
}

func TestFilterJSONRebuildsWorkingFilter(t *testing.T) {
	_, f := newTestFilter(t)
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var decoded Filter
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, f.Spec().Params, decoded.Spec().Params)
	assert.Equal(t, f.Steps(), decoded.Steps())
	x := physics.JointState{X1: physics.NewSingleState(-30, 0, 0, 0), X2: physics.NewSingleState(30, 0, 0, math.Pi)}
	assert.Equal(t, f.CalcH(x), decoded.CalcH(x))

	//1.- Invalid specs are rejected the same way New rejects them.
	bad := []byte(`{"kind":"turn","params":{"dt":0.3,"max_val":1,"v":15,"w_deg":12,"safety_dist":1},"grid":{"v":[15],"w_deg":[-12,0,12],"dz":[0]}}`)
	var cfgErr *ConfigError
	require.ErrorAs(t, json.Unmarshal(bad, &decoded), &cfgErr)
}

func TestDescribeReportsRollout(t *testing.T) {
	grid, f := newTestFilter(t)
	fields, err := f.Describe()
	require.NoError(t, err)
	assert.Equal(t, f.Kind().String(), fields["kind"])
	assert.Equal(t, f.Steps(), fields["steps"])
	assert.Equal(t, grid.Len()*grid.Len(), fields["joint_actions"])
	assert.Equal(t, f.String(), fields["description"])
	assert.Contains(t, fields, "params")
	assert.Contains(t, fields, "grid")
}

func TestStraightChooseSingleNeverDegrades(t *testing.T) {
	grid, err := actions.NewGrid([]float64{15, 20, 25}, []float64{-testW, 0, testW}, []float64{0})
	require.NoError(t, err)
	f, err := NewStraight(Params{DT: testDT, MaxVal: testMaxVal, V: testV, SafetyDist: 25}, grid)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(3, 5))
	all := grid.Actions()
	for i := 0; i < 300; i++ {
		x := randomState(rng, 60)
		nominal := physics.JointAction{A1: all[rng.IntN(len(all))], A2: all[rng.IntN(len(all))]}
		chosen, err := f.ChooseSingle(x, nominal)
		require.NoError(t, err)
		nominalVal := mustConstraint(t, f, x, nominal)
		if nominalVal >= 0 {
			assert.Equal(t, nominal, chosen)
		}
		assert.GreaterOrEqual(t, mustConstraint(t, f, x, chosen), nominalVal)
	}
}

func TestStraightFilterTurnsOutOfHeadOnCourse(t *testing.T) {
	grid, err := actions.NewGrid([]float64{15, 20, 25}, []float64{-testW, 0, testW}, []float64{0})
	require.NoError(t, err)
	f, err := NewStraight(Params{DT: testDT, MaxVal: testMaxVal, V: testV, SafetyDist: 25}, grid)
	require.NoError(t, err)

	//1.- A straight rollout of a head-on pair meets at zero distance.
	x := physics.JointState{X1: physics.NewSingleState(-21, 0, 0, 0), X2: physics.NewSingleState(21, 0, 0, math.Pi)}
	require.InDelta(t, -25.0, f.CalcH(x), 1e-9)

	straight := physics.SingleAction{V: testV}
	nominal := physics.JointAction{A1: straight, A2: straight}
	chosen, err := f.ChooseSingle(x, nominal)
	require.NoError(t, err)
	require.NotEqual(t, nominal, chosen)
	assert.True(t, chosen.A1.W != 0 || chosen.A2.W != 0, "only a heading change opens the predicted miss distance")
	assert.Greater(t, mustConstraint(t, f, x, chosen), mustConstraint(t, f, x, nominal))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Straight")
	require.NoError(t, err)
	assert.Equal(t, Straight, k)
	_, err = ParseKind("spiral")
	assert.Error(t, err)
}

func randomState(rng *rand.Rand, span float64) physics.JointState {
	single := func() physics.SingleState {
		return physics.NewSingleState(
			(rng.Float64()*2-1)*span,
			(rng.Float64()*2-1)*span,
			0,
			(rng.Float64()*2-1)*math.Pi,
		)
	}
	return physics.JointState{X1: single(), X2: single()}
}
