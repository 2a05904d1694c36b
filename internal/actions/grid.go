package actions

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/jordan16ellis/fw-coll-env/internal/physics"
)

// Grid is the finite per-vehicle action set built from the Cartesian
// product of speeds, turn rates and climb rates. Actions are ordered with
// speed outermost and climb rate innermost.
type Grid struct {
	v    []float64
	wDeg []float64
	wRad []float64
	dz   []float64

	all   []physics.SingleAction
	index map[physics.SingleAction]int
}

// NewGrid validates the axes and builds the action table. Turn rates are given in degrees per second.
func NewGrid(v, wDeg, dz []float64) (*Grid, error) {
	//1.- Reject empty or duplicated axes so every action keeps a unique index.
	var problems []string
	for _, axis := range []struct {
		name   string
		values []float64
	}{{"v", v}, {"w", wDeg}, {"dz", dz}} {
		if len(axis.values) == 0 {
			problems = append(problems, fmt.Sprintf("%s axis must not be empty", axis.name))
			continue
		}
		seen := make(map[float64]struct{}, len(axis.values))
		for _, value := range axis.values {
			if math.IsNaN(value) || math.IsInf(value, 0) {
				problems = append(problems, fmt.Sprintf("%s axis contains non-finite value %v", axis.name, value))
				continue
			}
			if _, dup := seen[value]; dup {
				problems = append(problems, fmt.Sprintf("%s axis contains duplicate value %v", axis.name, value))
			}
			seen[value] = struct{}{}
		}
	}
	if len(problems) > 0 {
		return nil, errors.New("invalid action grid: " + strings.Join(problems, "; "))
	}

	g := &Grid{
		v:    append([]float64(nil), v...),
		wDeg: append([]float64(nil), wDeg...),
		wRad: make([]float64, len(wDeg)),
		dz:   append([]float64(nil), dz...),
	}
	//2.- Convert the turn rates once so every consumer shares the same radians.
	for i, deg := range g.wDeg {
		g.wRad[i] = physics.DegToRad(deg)
	}
	//3.- Enumerate the product with v outer, w middle and dz inner.
	g.all = make([]physics.SingleAction, 0, len(g.v)*len(g.wRad)*len(g.dz))
	g.index = make(map[physics.SingleAction]int, cap(g.all))
	for _, speed := range g.v {
		for _, turn := range g.wRad {
			for _, climb := range g.dz {
				action := physics.SingleAction{V: speed, W: turn, DZ: climb}
				g.index[action] = len(g.all)
				g.all = append(g.all, action)
			}
		}
	}
	return g, nil
}

// MustGrid is NewGrid for static tables known to be valid.
func MustGrid(v, wDeg, dz []float64) *Grid {
	g, err := NewGrid(v, wDeg, dz)
	if err != nil {
		panic(err)
	}
	return g
}

// Len returns the number of single-vehicle actions.
func (g *Grid) Len() int { return len(g.all) }

// Actions returns a copy of the ordered action table.
func (g *Grid) Actions() []physics.SingleAction {
	return append([]physics.SingleAction(nil), g.all...)
}

// Speeds returns a copy of the speed axis.
func (g *Grid) Speeds() []float64 { return append([]float64(nil), g.v...) }

// TurnRatesDeg returns a copy of the turn-rate axis in degrees per second.
func (g *Grid) TurnRatesDeg() []float64 { return append([]float64(nil), g.wDeg...) }

// TurnRatesRad returns a copy of the turn-rate axis in radians per second.
func (g *Grid) TurnRatesRad() []float64 { return append([]float64(nil), g.wRad...) }

// ClimbRates returns a copy of the climb-rate axis.
func (g *Grid) ClimbRates() []float64 { return append([]float64(nil), g.dz...) }

// Index maps an action to its position in the table. Matching is exact.
func (g *Grid) Index(a physics.SingleAction) (int, error) {
	if idx, ok := g.index[a]; ok {
		return idx, nil
	}
	return 0, &LookupError{Action: a, Available: g.all}
}

// Contains reports whether the action is part of the grid.
func (g *Grid) Contains(a physics.SingleAction) bool {
	_, ok := g.index[a]
	return ok
}

// Action maps an index back to its action.
func (g *Grid) Action(idx int) (physics.SingleAction, error) {
	if idx < 0 || idx >= len(g.all) {
		return physics.SingleAction{}, &RangeError{Index: idx, Size: len(g.all)}
	}
	return g.all[idx], nil
}

// TurnRate returns the grid's own radian value for a configured degree value.
func (g *Grid) TurnRate(wDeg float64) (float64, bool) {
	for i, deg := range g.wDeg {
		if deg == wDeg {
			return g.wRad[i], true
		}
	}
	return 0, false
}

// Equal reports whether two grids were built from identical axes.
func (g *Grid) Equal(other *Grid) bool {
	if g == nil || other == nil {
		return g == other
	}
	return floatsEqual(g.v, other.v) && floatsEqual(g.wDeg, other.wDeg) && floatsEqual(g.dz, other.dz)
}

// Fingerprint hashes the axes so persisted runs can be tied to the grid that produced them.
func (g *Grid) Fingerprint() uint64 {
	digest := xxhash.New()
	var buf [8]byte
	for _, axis := range [][]float64{g.v, g.wDeg, g.dz} {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(axis)))
		_, _ = digest.Write(buf[:])
		for _, value := range axis {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(value))
			_, _ = digest.Write(buf[:])
		}
	}
	return digest.Sum64()
}

func (g *Grid) String() string {
	return fmt.Sprintf("Grid(v=%v, w_deg=%v, dz=%v, n=%d)", g.v, g.wDeg, g.dz, len(g.all))
}

type gridJSON struct {
	V    []float64 `json:"v" yaml:"v"`
	WDeg []float64 `json:"w_deg" yaml:"w_deg"`
	DZ   []float64 `json:"dz" yaml:"dz"`
}

// MarshalJSON encodes the axes; the table is rebuilt on decode.
func (g *Grid) MarshalJSON() ([]byte, error) {
	return json.Marshal(gridJSON{V: g.v, WDeg: g.wDeg, DZ: g.dz})
}

// UnmarshalJSON rebuilds the grid from its axes.
func (g *Grid) UnmarshalJSON(data []byte) error {
	var raw gridJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	built, err := NewGrid(raw.V, raw.WDeg, raw.DZ)
	if err != nil {
		return err
	}
	*g = *built
	return nil
}

func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
