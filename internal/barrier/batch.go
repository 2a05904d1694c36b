package barrier

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jordan16ellis/fw-coll-env/internal/physics"
)

// Choose filters a batch of joint states. Each row uses the
// [x1 y1 th1 z1 x2 y2 th2 z2] layout and is paired with a nominal joint
// action index. The output holds the applied joint index for every row, in
// input order. Any invalid row fails the whole batch.
func (f *Filter) Choose(ctx context.Context, states [][]float64, nominal []int) ([]int, error) {
	//1.- Validate the batch shape before any work starts.
	if len(states) != len(nominal) {
		return nil, &ShapeError{Rows: len(states), Width: rowWidth(states), Nominal: len(nominal)}
	}
	for _, row := range states {
		if len(row) != stateWidth {
			return nil, &ShapeError{Rows: len(states), Width: len(row), Nominal: len(nominal)}
		}
	}
	return f.chooseRows(ctx, len(states), func(i int) []float64 { return states[i] }, nominal)
}

// ChooseFlat is Choose over a row-major buffer of len(nominal)*8 values.
func (f *Filter) ChooseFlat(ctx context.Context, flat []float64, nominal []int) ([]int, error) {
	if len(flat)%stateWidth != 0 || len(flat)/stateWidth != len(nominal) {
		width := 0
		if len(nominal) > 0 {
			width = len(flat) / len(nominal)
		}
		return nil, &ShapeError{Rows: len(nominal), Width: width, Nominal: len(nominal)}
	}
	return f.chooseRows(ctx, len(nominal), func(i int) []float64 {
		return flat[i*stateWidth : (i+1)*stateWidth]
	}, nominal)
}

func (f *Filter) chooseRows(ctx context.Context, rows int, row func(int) []float64, nominal []int) ([]int, error) {
	out := make([]int, rows)
	solve := func(i int) error {
		x, err := physics.JointStateFromRow(row(i))
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		uhat, err := f.joint.Action(nominal[i])
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		safe, err := f.ChooseSingle(x, uhat)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		idx, err := f.joint.Index(safe)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = idx
		return nil
	}

	//1.- Small batches or unset worker counts run inline.
	if f.workers < 2 || rows < 2 {
		for i := 0; i < rows; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := solve(i); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	//2.- Rows are independent so each worker writes only its own slot.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for i := 0; i < rows; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return solve(i)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func rowWidth(states [][]float64) int {
	if len(states) == 0 {
		return 0
	}
	return len(states[0])
}
