package ops_test

import (
	"testing"
	"time"

	"github.com/mords94/OPS/pkg/core/dtypes"
	"github.com/mords94/OPS/pkg/ops"
	"github.com/mords94/OPS/pkg/transport/local"
	"github.com/stretchr/testify/require"
)

// runRanks runs fn on every rank of a world of numRanks processes, each with its own
// Instance, and fails the test with the first rank error.
func runRanks(t *testing.T, numRanks int, fn func(inst *ops.Instance) error, options ...ops.Option) {
	t.Helper()
	world := local.NewWorld(numRanks, local.WithTimeout(10*time.Second))
	err := world.Run(func(p *local.Process) error {
		inst, err := ops.New(p, options...)
		if err != nil {
			return err
		}
		if err := fn(inst); err != nil {
			return err
		}
		return inst.Exit()
	})
	require.NoError(t, err)
}

// iota64 returns the float64 values start, start+1, ... as bytes.
func iota64(n int, start float64) []byte {
	values := make([]float64, n)
	for i := range values {
		values[i] = start + float64(i)
	}
	return dtypes.AsBytes(values)
}

// newInstance creates a single-process Instance, torn down at the end of the test.
func newInstance(t *testing.T, options ...ops.Option) *ops.Instance {
	t.Helper()
	inst, err := ops.New(local.NewWorld(1).Process(0), options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Exit() })
	return inst
}

// newLine declares a 1D block with one float64 dataset of the given size and halos, and
// partitions the instance.
func newLine(t *testing.T, inst *ops.Instance, size, halo int) *ops.Dat {
	t.Helper()
	block, err := inst.DeclBlock(1, "line")
	require.NoError(t, err)
	u, err := inst.DeclDat(block, ops.DatSpec{
		Name:      "u",
		DType:     dtypes.Float64,
		Size:      []int{size},
		HaloMinus: []int{halo},
		HaloPlus:  []int{halo},
		Data:      iota64(size, 0),
	})
	require.NoError(t, err)
	require.NoError(t, inst.Partition())
	return u
}
