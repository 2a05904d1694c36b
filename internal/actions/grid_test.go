package actions

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordan16ellis/fw-coll-env/internal/physics"
)

func exampleGrid(t *testing.T) *Grid {
	t.Helper()
	g, err := NewGrid([]float64{15}, []float64{-12, 0, 12}, []float64{0})
	require.NoError(t, err)
	return g
}

func TestGridOrdering(t *testing.T) {
	g, err := NewGrid([]float64{10, 20}, []float64{-12, 12}, []float64{-1, 1})
	require.NoError(t, err)
	require.Equal(t, 8, g.Len())

	first, err := g.Action(0)
	require.NoError(t, err)
	assert.Equal(t, physics.SingleAction{V: 10, W: physics.DegToRad(-12), DZ: -1}, first)

	second, err := g.Action(1)
	require.NoError(t, err)
	assert.Equal(t, physics.SingleAction{V: 10, W: physics.DegToRad(-12), DZ: 1}, second, "dz must vary fastest")

	last, err := g.Action(7)
	require.NoError(t, err)
	assert.Equal(t, physics.SingleAction{V: 20, W: physics.DegToRad(12), DZ: 1}, last)
}

func TestGridBijection(t *testing.T) {
	g := exampleGrid(t)
	require.Equal(t, 3, g.Len())
	for i := 0; i < g.Len(); i++ {
		a, err := g.Action(i)
		require.NoError(t, err)
		idx, err := g.Index(a)
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}
	for _, a := range g.Actions() {
		idx, err := g.Index(a)
		require.NoError(t, err)
		back, err := g.Action(idx)
		require.NoError(t, err)
		assert.Equal(t, a, back)
	}
}

func TestTwoSpeedThreeTurnGrid(t *testing.T) {
	g, err := NewGrid([]float64{1, 2}, []float64{-30, 0, 30}, []float64{0})
	require.NoError(t, err)
	assert.Equal(t, 6, g.Len())
	assert.Equal(t, 36, NewJointIndex(g).Len())

	idx, err := g.Index(physics.SingleAction{V: 2, W: physics.DegToRad(30), DZ: 0})
	require.NoError(t, err)
	assert.Equal(t, 5, idx)

	w, ok := g.TurnRate(30)
	require.True(t, ok)
	back, err := g.Action(5)
	require.NoError(t, err)
	assert.Equal(t, physics.SingleAction{V: 2, W: w, DZ: 0}, back)
}

func TestGridLookupError(t *testing.T) {
	g := exampleGrid(t)
	_, err := g.Index(physics.SingleAction{V: 14, W: 0, DZ: 0})
	var lookup *LookupError
	require.ErrorAs(t, err, &lookup)
	assert.Len(t, lookup.Available, 3)
	assert.Contains(t, err.Error(), "could not find SingleAction(v=14, w=0, dz=0)")
	assert.False(t, g.Contains(physics.SingleAction{V: 14}))
}

func TestGridRangeError(t *testing.T) {
	g := exampleGrid(t)
	for _, idx := range []int{-1, 3, 100} {
		_, err := g.Action(idx)
		var rangeErr *RangeError
		require.ErrorAs(t, err, &rangeErr)
		assert.Equal(t, idx, rangeErr.Index)
		assert.Contains(t, err.Error(), "idx too large")
	}
}

func TestNewGridRejectsInvalidAxes(t *testing.T) {
	_, err := NewGrid(nil, []float64{0}, []float64{0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "v axis must not be empty")

	_, err = NewGrid([]float64{15, 15}, []float64{0}, []float64{0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestGridTurnRateUsesGridValue(t *testing.T) {
	g := exampleGrid(t)
	w, ok := g.TurnRate(12)
	require.True(t, ok)
	assert.True(t, g.Contains(physics.SingleAction{V: 15, W: w}))

	_, ok = g.TurnRate(5)
	assert.False(t, ok)
}

func TestGridJSONRebuildsTable(t *testing.T) {
	g := exampleGrid(t)
	data, err := json.Marshal(g)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":[15],"w_deg":[-12,0,12],"dz":[0]}`, string(data))

	var decoded Grid
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, g.Equal(&decoded))
	assert.Equal(t, g.Fingerprint(), decoded.Fingerprint())
	assert.Equal(t, g.Actions(), decoded.Actions())
}

func TestGridFingerprintDistinguishesAxes(t *testing.T) {
	a := MustGrid([]float64{15}, []float64{-12, 0, 12}, []float64{0})
	b := MustGrid([]float64{15}, []float64{-12, 12, 0}, []float64{0})
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.False(t, a.Equal(b))
}

func TestJointIndexBijection(t *testing.T) {
	g := exampleGrid(t)
	joint := NewJointIndex(g)
	require.Equal(t, 9, joint.Len())
	for i := 0; i < joint.Len(); i++ {
		a, err := joint.Action(i)
		require.NoError(t, err)
		idx, err := joint.Index(a)
		require.NoError(t, err)
		assert.Equal(t, i, idx)

		a1, _ := g.Index(a.A1)
		a2, _ := g.Index(a.A2)
		assert.Equal(t, a1*g.Len()+a2, i)
	}
}

func TestJointIndexErrors(t *testing.T) {
	joint := NewJointIndex(exampleGrid(t))
	_, err := joint.Action(9)
	var rangeErr *RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, 9, rangeErr.Size)

	_, err = joint.Index(physics.JointAction{A1: physics.SingleAction{V: 15}, A2: physics.SingleAction{V: 1}})
	var lookup *LookupError
	require.ErrorAs(t, err, &lookup)
}
