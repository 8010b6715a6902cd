package ops_test

import (
	"testing"

	"github.com/mords94/OPS/pkg/core/dtypes"
	"github.com/mords94/OPS/pkg/ops"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// declLine declares a 1D block with a float64 dataset u[i] = i, and partitions.
func declLine(inst *ops.Instance, size, haloMinus, haloPlus int) (*ops.Dat, error) {
	block, err := inst.DeclBlock(1, "line")
	if err != nil {
		return nil, err
	}
	u, err := inst.DeclDat(block, ops.DatSpec{
		Name:      "u",
		DType:     dtypes.Float64,
		Size:      []int{size},
		HaloMinus: []int{haloMinus},
		HaloPlus:  []int{haloPlus},
		Data:      iota64(size, 0),
	})
	if err != nil {
		return nil, err
	}
	return u, inst.Partition()
}

func TestExchangeBoundaryRow(t *testing.T) {
	runRanks(t, 2, func(inst *ops.Instance) error {
		u, err := declLine(inst, 8, 1, 0)
		if err != nil {
			return err
		}
		ops.ResetDirty(u)
		v := ops.MustView[float64](u)
		if inst.Rank() == 0 {
			v.Set(42, 3)
			u.MarkWritten([]int{3}, []int{4})
			assert.True(t, u.IsDirty(ops.Plus(0), 0, ops.SendSide))
		}

		n, err := inst.ExchangeIfNeeded(u, ops.Plus(0), 0)
		if err != nil {
			return err
		}
		assert.Equal(t, 8, n)
		if inst.Rank() == 0 {
			assert.False(t, u.IsDirty(ops.Plus(0), 0, ops.SendSide))
		} else {
			assert.Equal(t, 42.0, v.At(3), "halo of rank 1")
			assert.False(t, u.IsDirty(ops.Minus(0), 0, ops.RecvSide))
			assert.Equal(t, 4.0, v.At(4))
		}

		// Nothing changed since: no data travels.
		n, err = inst.ExchangeIfNeeded(u, ops.Plus(0), 0)
		if err != nil {
			return err
		}
		assert.Equal(t, 0, n)
		return nil
	})
}

func TestExchangeIdempotent(t *testing.T) {
	runRanks(t, 2, func(inst *ops.Instance) error {
		u, err := declLine(inst, 8, 1, 1)
		if err != nil {
			return err
		}
		// Freshly declared data is dirty: the first exchange moves it.
		n, err := inst.ExchangeIfNeeded(u, ops.Minus(0), 0)
		if err != nil {
			return err
		}
		assert.Equal(t, 8, n)
		v := ops.MustView[float64](u)
		if inst.Rank() == 0 {
			assert.Equal(t, 4.0, v.At(4))
			assert.False(t, u.IsDirty(ops.Plus(0), 0, ops.RecvSide))
		} else {
			assert.False(t, u.IsDirty(ops.Minus(0), 0, ops.SendSide))
			// Modify the boundary without telling the runtime: the next exchange skips it.
			v.Set(-1, 4)
		}

		n, err = inst.ExchangeIfNeeded(u, ops.Minus(0), 0)
		if err != nil {
			return err
		}
		assert.Equal(t, 0, n)
		if inst.Rank() == 0 {
			assert.Equal(t, 4.0, v.At(4))
		}
		return nil
	})
}

func TestExchangeDepthErrors(t *testing.T) {
	runRanks(t, 2, func(inst *ops.Instance) error {
		u, err := declLine(inst, 8, 2, 1)
		if err != nil {
			return err
		}
		// Towards plus fills the minus halo, 2 deep.
		_, err = inst.ExchangeIfNeeded(u, ops.Plus(0), 2)
		assert.True(t, errors.Is(err, ops.ErrConfiguration))
		_, err = inst.ExchangeIfNeeded(u, ops.Minus(0), 1)
		assert.True(t, errors.Is(err, ops.ErrConfiguration))
		_, err = inst.ExchangeHalos(u, []int{3}, []int{0})
		assert.True(t, errors.Is(err, ops.ErrConfiguration))
		assert.NoError(t, inst.Err())

		_, err = inst.ExchangeHalos(u, []int{2}, []int{1})
		if err != nil {
			return err
		}
		v := ops.MustView[float64](u)
		if inst.Rank() == 1 {
			assert.Equal(t, 3.0, v.At(3))
			assert.Equal(t, 2.0, v.At(2))
		} else {
			assert.Equal(t, 4.0, v.At(4))
		}
		return nil
	})
}

func TestExchangeHalosCorners(t *testing.T) {
	const size = 6
	global := make([]float64, size*size)
	for y := range size {
		for x := range size {
			global[y*size+x] = float64(x + 100*y)
		}
	}
	runRanks(t, 4, func(inst *ops.Instance) error {
		block, err := inst.DeclBlock(2, "plane")
		if err != nil {
			return err
		}
		u, err := inst.DeclDat(block, ops.DatSpec{
			Name:      "u",
			DType:     dtypes.Float64,
			Size:      []int{size, size},
			HaloMinus: []int{1, 1},
			HaloPlus:  []int{1, 1},
			Data:      dtypes.AsBytes(global),
		})
		if err != nil {
			return err
		}
		if err := inst.Partition(ops.WithGridDims(2, 2)); err != nil {
			return err
		}
		if _, err := inst.ExchangeHalos(u, []int{1, 1}, []int{1, 1}); err != nil {
			return err
		}
		v := ops.MustView[float64](u)
		start, end := u.OwnedRange()
		for y := max(start[1]-1, 0); y < min(end[1]+1, size); y++ {
			for x := max(start[0]-1, 0); x < min(end[0]+1, size); x++ {
				assert.Equalf(t, float64(x+100*y), v.At(x, y), "rank %d at (%d, %d)", inst.Rank(), x, y)
			}
		}
		return nil
	})
}

// TestDiagonalStencilAfterPointWrite reads a 9-point stencil on a 2x2 grid, then changes one
// point next to the grid's centre and reads again: the rank diagonally across must see the
// change in its corner halo.
func TestDiagonalStencilAfterPointWrite(t *testing.T) {
	const size = 4
	value := func(x, y int, poked bool) float64 {
		if poked && x == 2 && y == 2 {
			return -1
		}
		return float64(x + 10*y)
	}
	global := make([]float64, size*size)
	for y := range size {
		for x := range size {
			global[y*size+x] = value(x, y, false)
		}
	}
	var nine [][]int
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			nine = append(nine, []int{dx, dy})
		}
	}
	runRanks(t, 4, func(inst *ops.Instance) error {
		block, err := inst.DeclBlock(2, "plane")
		if err != nil {
			return err
		}
		u, err := inst.DeclDat(block, ops.DatSpec{
			Name:      "u",
			DType:     dtypes.Float64,
			Size:      []int{size, size},
			HaloMinus: []int{1, 1},
			HaloPlus:  []int{1, 1},
			Data:      dtypes.AsBytes(global),
		})
		if err != nil {
			return err
		}
		out, err := inst.DeclDat(block, ops.DatSpec{Name: "out", DType: dtypes.Float64, Size: []int{size, size}})
		if err != nil {
			return err
		}
		box, err := inst.DeclStencil(2, nine, "box")
		if err != nil {
			return err
		}
		if err := inst.Partition(ops.WithGridDims(2, 2)); err != nil {
			return err
		}
		sum9 := func(k *ops.Kernel) error {
			in := ops.MustView[float64](k.Arg(0).Dat)
			res := ops.MustView[float64](k.Arg(1).Dat)
			k.ForEach(func(idx []int) {
				x, y := idx[0], idx[1]
				s := 0.0
				for _, p := range nine {
					s += in.At(x+p[0], y+p[1])
				}
				res.Set(s, x, y)
			})
			return nil
		}
		interior := []int{1, size - 1, 1, size - 1}
		readBox := func(poked bool) error {
			if err := inst.ParLoop("sum9", block, interior, sum9,
				ops.ArgDat(u, box, ops.AccessRead), ops.ArgDat(out, nil, ops.AccessWrite)); err != nil {
				return err
			}
			if err := inst.Execute(); err != nil {
				return err
			}
			v := ops.MustView[float64](out)
			start, end := out.OwnedRange()
			for y := max(start[1], 1); y < min(end[1], size-1); y++ {
				for x := max(start[0], 1); x < min(end[0], size-1); x++ {
					want := 0.0
					for _, p := range nine {
						want += value(x+p[0], y+p[1], poked)
					}
					assert.Equalf(t, want, v.At(x, y), "rank %d at (%d, %d), poked=%v", inst.Rank(), x, y, poked)
				}
			}
			return nil
		}

		if err := readBox(false); err != nil {
			return err
		}
		if err := inst.ParLoop("poke", block, []int{2, 3, 2, 3}, func(k *ops.Kernel) error {
			v := ops.MustView[float64](k.Arg(0).Dat)
			k.ForEach(func(idx []int) { v.Set(-1, idx...) })
			return nil
		}, ops.ArgDat(u, nil, ops.AccessWrite)); err != nil {
			return err
		}
		if err := readBox(true); err != nil {
			return err
		}

		// The rank owning the origin holds (2, 2) only as a corner halo.
		start, _ := u.OwnedRange()
		if start[0] == 0 && start[1] == 0 {
			assert.Equal(t, -1.0, ops.MustView[float64](u).At(2, 2))
		}
		return nil
	})
}
