package actions

import "github.com/jordan16ellis/fw-coll-env/internal/physics"

// JointIndex encodes joint actions as idx1*n + idx2 over a shared grid.
type JointIndex struct {
	grid *Grid
}

// NewJointIndex binds the encoder to a grid.
func NewJointIndex(grid *Grid) JointIndex {
	return JointIndex{grid: grid}
}

// Grid returns the underlying per-vehicle grid.
func (j JointIndex) Grid() *Grid { return j.grid }

// Len returns the number of joint actions.
func (j JointIndex) Len() int {
	n := j.grid.Len()
	return n * n
}

// Index encodes a joint action.
func (j JointIndex) Index(a physics.JointAction) (int, error) {
	idx1, err := j.grid.Index(a.A1)
	if err != nil {
		return 0, err
	}
	idx2, err := j.grid.Index(a.A2)
	if err != nil {
		return 0, err
	}
	return idx1*j.grid.Len() + idx2, nil
}

// Action decodes a joint index.
func (j JointIndex) Action(idx int) (physics.JointAction, error) {
	n := j.grid.Len()
	if idx < 0 || idx >= n*n {
		return physics.JointAction{}, &RangeError{Index: idx, Size: n * n}
	}
	return physics.JointAction{A1: j.grid.all[idx/n], A2: j.grid.all[idx%n]}, nil
}
