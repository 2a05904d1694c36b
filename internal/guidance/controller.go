package guidance

import (
	"math"
	"sort"

	"github.com/jordan16ellis/fw-coll-env/internal/actions"
	"github.com/jordan16ellis/fw-coll-env/internal/physics"
)

const (
	// Gain scales the world-frame velocity request toward the goal.
	Gain = 1.0
	// Lookahead is the distance ahead of the vehicle used by the unicycle inverse.
	Lookahead = 1.0
)

// Controller steers a single vehicle toward a goal using only grid actions.
type Controller struct {
	goal   physics.Point
	dt     float64
	speeds []float64
	turns  []float64
}

// NewController snaps commands onto the axes of grid. dt is kept for callers that step alongside the controller.
func NewController(goal physics.Point, dt float64, grid *actions.Grid) *Controller {
	speeds := grid.Speeds()
	turns := grid.TurnRatesRad()
	sort.Float64s(speeds)
	sort.Float64s(turns)
	return &Controller{goal: goal, dt: dt, speeds: speeds, turns: turns}
}

// Goal returns the current target.
func (c *Controller) Goal() physics.Point { return c.goal }

// SetGoal retargets the controller.
func (c *Controller) SetGoal(goal physics.Point) { c.goal = goal }

// DT returns the timestep the controller was configured with.
func (c *Controller) DT() float64 { return c.dt }

// Calc returns the grid action closest to the body-frame command that flies toward the goal.
func (c *Controller) Calc(s physics.SingleState) physics.SingleAction {
	//1.- Request a world-frame velocity toward the goal, capped at unit speed.
	vx := Gain * (c.goal.X - s.P.X)
	vy := Gain * (c.goal.Y - s.P.Y)
	norm := math.Max(1, math.Hypot(vx, vy))
	vx /= norm
	vy /= norm

	//2.- Rotate into the body frame with the lookahead point inverse.
	cos, sin := math.Cos(s.Th), math.Sin(s.Th)
	v := cos*vx + sin*vy
	omega := (-sin*vx + cos*vy) / Lookahead

	//3.- Snap each channel independently; altitude is held.
	return physics.SingleAction{V: nearest(c.speeds, v), W: nearest(c.turns, omega)}
}

// nearest returns the value of sorted closest to val. Exact ties resolve to the greater value.
func nearest(sorted []float64, val float64) float64 {
	for i, candidate := range sorted {
		if candidate <= val {
			continue
		}
		if i == 0 {
			return candidate
		}
		lower := sorted[i-1]
		if val-lower < candidate-val {
			return lower
		}
		return candidate
	}
	return sorted[len(sorted)-1]
}
