package ops_test

import (
	"testing"

	"github.com/mords94/OPS/pkg/core/dtypes"
	"github.com/mords94/OPS/pkg/ops"
	"github.com/mords94/OPS/pkg/transport"
	"github.com/mords94/OPS/pkg/transport/local"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecondInstance(t *testing.T) {
	world := local.NewWorld(1)
	p := world.Process(0)
	first, err := ops.New(p)
	require.NoError(t, err)
	require.Same(t, first, ops.Attached(p))

	second, err := ops.New(p)
	require.Error(t, err)
	assert.Nil(t, second)
	assert.True(t, errors.Is(err, ops.ErrConfiguration))
	assert.Equal(t, ops.KindConfiguration, ops.ErrorKind(err))

	// The first instance is unaffected.
	assert.Same(t, first, ops.Attached(p))
	assert.NoError(t, first.Err())
	_, err = first.DeclBlock(1, "still_usable")
	assert.NoError(t, err)

	require.NoError(t, first.Exit())
	assert.Nil(t, ops.Attached(p))
	assert.True(t, p.Finalized())

	// A new instance is allowed by the guard, but the transport refuses it.
	_, err = ops.New(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ops.ErrTransport))
	assert.True(t, errors.Is(err, transport.ErrFinalized))
	assert.Nil(t, ops.Attached(p))
}

func TestExit(t *testing.T) {
	t.Run("not initialized", func(t *testing.T) {
		var inst *ops.Instance
		assert.NoError(t, inst.Exit())
	})
	t.Run("twice", func(t *testing.T) {
		p := local.NewWorld(1).Process(0)
		inst, err := ops.New(p)
		require.NoError(t, err)
		require.NoError(t, inst.Exit())
		require.NoError(t, inst.Exit())
		_, err = inst.DeclBlock(1, "after_exit")
		assert.True(t, errors.Is(err, ops.ErrConfiguration))
	})
	t.Run("already finalized by another owner", func(t *testing.T) {
		p := local.NewWorld(1).Process(0)
		inst, err := ops.New(p)
		require.NoError(t, err)
		require.NoError(t, p.Finalize())
		assert.NoError(t, inst.Exit())
	})
	t.Run("transport initialized by another owner", func(t *testing.T) {
		p := local.NewWorld(1).Process(0)
		require.NoError(t, p.Init(nil))
		inst, err := ops.New(p, ops.WithArgs([]string{"ignored"}))
		require.NoError(t, err)
		assert.Equal(t, 1, inst.Size())
		assert.NoError(t, inst.Exit())
	})
}

func TestProcessGroup(t *testing.T) {
	t.Run("single program", func(t *testing.T) {
		runRanks(t, 3, func(inst *ops.Instance) error {
			assert.Equal(t, 3, inst.Size())
			_, found := inst.AppNum()
			assert.False(t, found)
			assert.NotEmpty(t, inst.ID())
			return inst.Comm().Barrier()
		})
	})

	t.Run("multiple programs", func(t *testing.T) {
		world := local.NewJob([]int{2, 3})
		err := world.Run(func(p *local.Process) error {
			inst, err := ops.New(p)
			if err != nil {
				return err
			}
			appNum, found := inst.AppNum()
			assert.True(t, found)
			if p.Rank() < 2 {
				assert.Equal(t, 0, appNum)
				assert.Equal(t, 2, inst.Size())
				assert.Equal(t, p.Rank(), inst.Rank())
			} else {
				assert.Equal(t, 1, appNum)
				assert.Equal(t, 3, inst.Size())
				assert.Equal(t, p.Rank()-2, inst.Rank())
			}
			// Collectives stay within each program.
			counts := []byte{1}
			if err := inst.Comm().AllReduce(transport.ReduceOpSum, dtypes.Uint8, counts); err != nil {
				return err
			}
			assert.Equal(t, byte(inst.Size()), counts[0])
			return inst.Exit()
		})
		require.NoError(t, err)
	})
}

func TestDeclarationErrors(t *testing.T) {
	runRanks(t, 1, func(inst *ops.Instance) error {
		_, err := inst.DeclBlock(0, "zero")
		assert.True(t, errors.Is(err, ops.ErrConfiguration))
		_, err = inst.DeclBlock(ops.MaxDim+1, "too_many")
		assert.True(t, errors.Is(err, ops.ErrConfiguration))

		block, err := inst.DeclBlock(2, "grid")
		if err != nil {
			return err
		}
		bad := []ops.DatSpec{
			{Name: "dtype", Size: []int{2, 2}},
			{Name: "axes", DType: dtypes.Float64, Size: []int{2}},
			{Name: "size", DType: dtypes.Float64, Size: []int{2, 0}},
			{Name: "halo", DType: dtypes.Float64, Size: []int{2, 2}, HaloMinus: []int{ops.MaxDepth + 1, 0}},
			{Name: "negative_halo", DType: dtypes.Float64, Size: []int{2, 2}, HaloPlus: []int{-1, 0}},
			{Name: "data", DType: dtypes.Float64, Size: []int{2, 2}, Data: make([]byte, 3)},
		}
		for _, spec := range bad {
			_, err = inst.DeclDat(block, spec)
			assert.Truef(t, errors.Is(err, ops.ErrConfiguration), "spec %q: %v", spec.Name, err)
		}

		if err := inst.Partition(); err != nil {
			return err
		}
		assert.True(t, inst.Partitioned())
		_, err = inst.DeclDat(block, ops.DatSpec{Name: "late", DType: dtypes.Float64, Size: []int{2, 2}})
		assert.True(t, errors.Is(err, ops.ErrConfiguration))
		_, err = inst.DeclBlock(1, "late")
		assert.True(t, errors.Is(err, ops.ErrConfiguration))
		assert.True(t, errors.Is(inst.Partition(), ops.ErrConfiguration))

		// Configuration errors at declaration don't fail the instance.
		assert.NoError(t, inst.Err())
		return nil
	})
}

func TestPartition(t *testing.T) {
	runRanks(t, 6, func(inst *ops.Instance) error {
		block, err := inst.DeclBlock(2, "grid")
		if err != nil {
			return err
		}
		u, err := inst.DeclDat(block, ops.DatSpec{Name: "u", DType: dtypes.Float64, Size: []int{12, 9}, HaloMinus: []int{1, 1}, HaloPlus: []int{1, 1}})
		if err != nil {
			return err
		}
		if err := inst.Partition(ops.WithGridDims(2, 3)); err != nil {
			return err
		}
		assert.Equal(t, []int{2, 3}, block.Grid().Dims())
		assert.Equal(t, []int{12, 9}, block.Size())
		start, end := u.OwnedRange()
		row, col := inst.Rank()/3, inst.Rank()%3
		assert.Equal(t, []int{6 * row, 3 * col}, start)
		assert.Equal(t, []int{6*row + 6, 3*col + 3}, end)
		assert.Equal(t, []int{8, 5}, u.AllocSize())
		assert.True(t, u.OwnsData())
		return nil
	})

	t.Run("grid mismatch", func(t *testing.T) {
		runRanks(t, 2, func(inst *ops.Instance) error {
			block, err := inst.DeclBlock(2, "grid")
			if err != nil {
				return err
			}
			_, err = inst.DeclDat(block, ops.DatSpec{DType: dtypes.Float64, Size: []int{4, 4}})
			if err != nil {
				return err
			}
			assert.True(t, errors.Is(inst.Partition(ops.WithGridDims(3, 1)), ops.ErrConfiguration))
			return nil
		})
	})

	t.Run("too small for halos", func(t *testing.T) {
		runRanks(t, 4, func(inst *ops.Instance) error {
			block, err := inst.DeclBlock(1, "line")
			if err != nil {
				return err
			}
			_, err = inst.DeclDat(block, ops.DatSpec{DType: dtypes.Float64, Size: []int{6}, HaloMinus: []int{2}, HaloPlus: []int{2}})
			if err != nil {
				return err
			}
			assert.True(t, errors.Is(inst.Partition(), ops.ErrConfiguration))
			return nil
		})
	})
}
