package ops_test

import (
	"testing"

	"github.com/mords94/OPS/pkg/core/dtypes"
	"github.com/mords94/OPS/pkg/ops"
	"github.com/mords94/OPS/pkg/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fill returns a kernel setting every point of its range of dataset argument 0 to value.
func fill(value float64) ops.KernelFunc {
	return func(k *ops.Kernel) error {
		v := ops.MustView[float64](k.Arg(0).Dat)
		k.ForEach(func(idx []int) { v.Set(value, idx...) })
		return nil
	}
}

func TestKernelOrder(t *testing.T) {
	inst := newInstance(t)
	u := newLine(t, inst, 10, 1)
	var order []string
	require.NoError(t, inst.ParLoop("set", u.Block(), []int{0, 10}, func(k *ops.Kernel) error {
		order = append(order, "set")
		return fill(7)(k)
	}, ops.ArgDat(u, nil, ops.AccessWrite)))
	require.NoError(t, inst.ParLoop("double", u.Block(), []int{0, 10}, func(k *ops.Kernel) error {
		order = append(order, "double")
		v := ops.MustView[float64](k.Arg(0).Dat)
		k.ForEach(func(idx []int) { v.Set(2*v.At(idx...), idx...) })
		return nil
	}, ops.ArgDat(u, nil, ops.AccessReadWrite)))

	assert.Empty(t, order, "kernels are deferred")
	assert.Equal(t, 2, inst.Pending())
	require.NoError(t, inst.Execute())
	assert.Equal(t, []string{"set", "double"}, order)
	assert.Equal(t, 0, inst.Pending())

	data, err := u.Fetch()
	require.NoError(t, err)
	for _, x := range dtypes.BytesAs[float64](data) {
		assert.Equal(t, 14.0, x)
	}

	stats := inst.KernelStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "double", stats[0].Name)
	assert.Equal(t, 1, stats[0].Count)
	assert.Equal(t, "set", stats[1].Name)
}

func TestEagerExecution(t *testing.T) {
	inst := newInstance(t, ops.WithEagerExecution())
	u := newLine(t, inst, 4, 0)
	ran := false
	require.NoError(t, inst.ParLoop("eager", u.Block(), nil, func(k *ops.Kernel) error {
		ran = true
		assert.Equal(t, []int{0}, k.Start)
		assert.Equal(t, []int{4}, k.End)
		return nil
	}, ops.ArgDat(u, nil, ops.AccessRead)))
	assert.True(t, ran)
	assert.Equal(t, 0, inst.Pending())
}

func TestEnqueueErrors(t *testing.T) {
	t.Run("before partition", func(t *testing.T) {
		inst := newInstance(t)
		block, err := inst.DeclBlock(1, "line")
		require.NoError(t, err)
		err = inst.ParLoop("early", block, []int{0, 1}, func(*ops.Kernel) error { return nil })
		assert.True(t, errors.Is(err, ops.ErrConfiguration))
	})

	t.Run("bad arguments", func(t *testing.T) {
		inst := newInstance(t)
		u := newLine(t, inst, 4, 1)
		wide, err := inst.DeclStencil(1, [][]int{{-2}, {0}, {2}}, "wide")
		require.NoError(t, err)
		h, err := inst.DeclReduction("sum", dtypes.Float64, 1)
		require.NoError(t, err)
		noop := func(*ops.Kernel) error { return nil }
		for name, args := range map[string][]ops.Arg{
			"stencil wider than halo": {ops.ArgDat(u, wide, ops.AccessRead)},
			"reduction access":        {ops.ArgReduce(h, ops.AccessWrite)},
			"dataset access":          {ops.ArgDat(u, nil, ops.AccessMax)},
		} {
			err := inst.ParLoop(name, u.Block(), nil, noop, args...)
			assert.Truef(t, errors.Is(err, ops.ErrConfiguration), "%s: %v", name, err)
		}
		assert.True(t, errors.Is(inst.ParLoop("range", u.Block(), []int{0}, noop), ops.ErrConfiguration))
		assert.True(t, errors.Is(inst.ParLoop("no function", u.Block(), nil, nil), ops.ErrConfiguration))

		require.NoError(t, inst.ParLoop("min", u.Block(), nil, noop, ops.ArgReduce(h, ops.AccessMin)))
		err = inst.ParLoop("max", u.Block(), nil, noop, ops.ArgReduce(h, ops.AccessMax))
		assert.True(t, errors.Is(err, ops.ErrConfiguration), "reduction combined two ways")
	})

	t.Run("rejected descriptor leaves no trace", func(t *testing.T) {
		inst := newInstance(t)
		u := newLine(t, inst, 4, 0)
		h, err := inst.DeclReduction("extreme", dtypes.Float64, 1)
		require.NoError(t, err)
		noop := func(*ops.Kernel) error { return nil }
		desc := &ops.KernelDescriptor{
			Name:     "rejected",
			Function: noop,
			Block:    u.Block(),
			Args:     []ops.Arg{ops.ArgReduce(h, ops.AccessMin), ops.ArgDat(u, nil, ops.AccessMax)},
		}
		assert.True(t, errors.Is(inst.Enqueue(desc), ops.ErrConfiguration))
		assert.Nil(t, desc.Range)
		assert.Equal(t, transport.ReduceOpUndefined, h.Op())

		// Two ways of combining the same reduction in one kernel.
		err = inst.ParLoop("both", u.Block(), nil, noop, ops.ArgReduce(h, ops.AccessMin), ops.ArgReduce(h, ops.AccessMax))
		assert.True(t, errors.Is(err, ops.ErrConfiguration))
		assert.Equal(t, transport.ReduceOpUndefined, h.Op())

		require.NoError(t, inst.ParLoop("max", u.Block(), nil, noop, ops.ArgReduce(h, ops.AccessMax)))
		assert.Equal(t, transport.ReduceOpMax, h.Op())
	})

	t.Run("from inside a kernel", func(t *testing.T) {
		inst := newInstance(t)
		u := newLine(t, inst, 4, 0)
		var inner error
		require.NoError(t, inst.ParLoop("outer", u.Block(), nil, func(k *ops.Kernel) error {
			inner = inst.ParLoop("inner", u.Block(), nil, func(*ops.Kernel) error { return nil })
			return nil
		}))
		require.NoError(t, inst.Execute())
		assert.True(t, errors.Is(inner, ops.ErrConfiguration))
		assert.Equal(t, 0, inst.Pending())
	})
}

func TestKernelFailure(t *testing.T) {
	inst := newInstance(t)
	u := newLine(t, inst, 4, 0)
	boom := errors.New("boom")
	ranLater := false
	require.NoError(t, inst.ParLoop("fails", u.Block(), nil, func(*ops.Kernel) error { return boom }))
	require.NoError(t, inst.ParLoop("later", u.Block(), nil, func(*ops.Kernel) error {
		ranLater = true
		return nil
	}))
	err := inst.Execute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), `kernel "fails"`)
	assert.False(t, ranLater)
	assert.Equal(t, 0, inst.Pending())

	// The instance stays failed.
	assert.Equal(t, err, inst.Err())
	assert.Equal(t, err, inst.Execute())
	assert.Equal(t, err, inst.ParLoop("after", u.Block(), nil, func(*ops.Kernel) error { return nil }))
}

func TestKernelPanicOutsideAllocation(t *testing.T) {
	inst := newInstance(t)
	u := newLine(t, inst, 4, 0)
	require.NoError(t, inst.ParLoop("overflow", u.Block(), []int{-1, 4}, fill(1), ops.ArgDat(u, nil, ops.AccessWrite)))
	err := inst.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not held by rank 0")
}

// TestStencilKernel computes a 3-point sum over 3 processes, twice: the second time after
// the input was rewritten, so halos must be exchanged again.
func TestStencilKernel(t *testing.T) {
	const size = 12
	runRanks(t, 3, func(inst *ops.Instance) error {
		block, err := inst.DeclBlock(1, "line")
		if err != nil {
			return err
		}
		u, err := inst.DeclDat(block, ops.DatSpec{Name: "u", DType: dtypes.Float64, Size: []int{size},
			HaloMinus: []int{1}, HaloPlus: []int{1}, Data: iota64(size, 0)})
		if err != nil {
			return err
		}
		out, err := inst.DeclDat(block, ops.DatSpec{Name: "out", DType: dtypes.Float64, Size: []int{size}})
		if err != nil {
			return err
		}
		threePoint, err := inst.DeclStencil(1, [][]int{{-1}, {0}, {1}}, "3pt")
		if err != nil {
			return err
		}
		if err := inst.Partition(); err != nil {
			return err
		}
		sum := func(k *ops.Kernel) error {
			in := ops.MustView[float64](k.Arg(0).Dat)
			res := ops.MustView[float64](k.Arg(1).Dat)
			k.ForEach(func(idx []int) {
				i := idx[0]
				res.Set(in.At(i-1)+in.At(i)+in.At(i+1), i)
			})
			return nil
		}
		double := func(k *ops.Kernel) error {
			v := ops.MustView[float64](k.Arg(0).Dat)
			k.ForEach(func(idx []int) { v.Set(2*v.At(idx...), idx...) })
			return nil
		}
		check := func(scale float64) {
			v := ops.MustView[float64](out)
			start, end := out.OwnedRange()
			for i := max(start[0], 1); i < min(end[0], size-1); i++ {
				assert.Equalf(t, scale*float64(3*i), v.At(i), "rank %d, i=%d", inst.Rank(), i)
			}
		}

		if err := inst.ParLoop("sum", block, []int{1, size - 1}, sum,
			ops.ArgDat(u, threePoint, ops.AccessRead), ops.ArgDat(out, nil, ops.AccessWrite)); err != nil {
			return err
		}
		if err := inst.Execute(); err != nil {
			return err
		}
		check(1)

		if err := inst.ParLoop("double", block, []int{0, size}, double, ops.ArgDat(u, nil, ops.AccessReadWrite)); err != nil {
			return err
		}
		if err := inst.ParLoop("sum", block, []int{1, size - 1}, sum,
			ops.ArgDat(u, threePoint, ops.AccessRead), ops.ArgDat(out, nil, ops.AccessWrite)); err != nil {
			return err
		}
		if err := inst.Execute(); err != nil {
			return err
		}
		check(2)

		stats := inst.KernelStats()
		assert.Len(t, stats, 2)
		for _, st := range stats {
			if st.Name == "sum" {
				assert.Equal(t, 2, st.Count)
				// Each interior side moves one float64 per exchange, in each direction.
				assert.Positive(t, st.HaloBytes)
			}
		}
		return nil
	})
}
