package ops_test

import (
	"slices"
	"testing"

	"github.com/mords94/OPS/pkg/core/dtypes"
	"github.com/mords94/OPS/pkg/ops"
	"github.com/pkg/errors"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirection(t *testing.T) {
	assert.Equal(t, ops.Direction(0), ops.Minus(0))
	assert.Equal(t, ops.Direction(5), ops.Plus(2))
	assert.Equal(t, 2, ops.Plus(2).Axis())
	assert.True(t, ops.Plus(1).IsPlus())
	assert.False(t, ops.Minus(1).IsPlus())
	assert.Equal(t, ops.Minus(3), ops.Plus(3).Opposite())
	assert.Equal(t, ops.Plus(3), ops.Minus(3).Opposite())
	assert.Equal(t, "x-", ops.Minus(0).String())
	assert.Equal(t, "y+", ops.Plus(1).String())
	assert.Equal(t, "v+", ops.Plus(4).String())
}

func TestDirtyAfterDeclaration(t *testing.T) {
	inst := newInstance(t)
	block, err := inst.DeclBlock(3, "cube")
	require.NoError(t, err)
	u, err := inst.DeclDat(block, ops.DatSpec{Name: "u", DType: dtypes.Float32, Size: []int{4, 4, 4}})
	require.NoError(t, err)
	allDirty := func(stage string) {
		for dir := ops.Minus(0); dir <= ops.Plus(2); dir++ {
			for depth := range ops.MaxDepth {
				assert.Truef(t, u.IsDirty(dir, depth, ops.SendSide), "%s: %s/%d send", stage, dir, depth)
				assert.Truef(t, u.IsDirty(dir, depth, ops.RecvSide), "%s: %s/%d recv", stage, dir, depth)
			}
		}
	}
	allDirty("declared")
	require.NoError(t, inst.Partition())
	allDirty("partitioned")
}

func TestMarkDirty(t *testing.T) {
	inst := newInstance(t)
	block, err := inst.DeclBlock(1, "line")
	require.NoError(t, err)
	u, err := inst.DeclDat(block, ops.DatSpec{Name: "u", DType: dtypes.Float64, Size: []int{8}})
	require.NoError(t, err)
	// The tables exist as soon as the dataset is declared, but exchanges need the buffers.
	require.NoError(t, u.MarkDirty(ops.Plus(0), 0, ops.SendSide))
	_, err = inst.ExchangeIfNeeded(u, ops.Plus(0), 0)
	assert.True(t, errors.Is(err, ops.ErrConfiguration), "not allocated")
	require.NoError(t, inst.Partition())

	ops.ResetDirty(u)
	assert.NoError(t, u.MarkDirty(ops.Plus(0), 3, ops.RecvSide))
	assert.True(t, u.IsDirty(ops.Plus(0), 3, ops.RecvSide))
	assert.False(t, u.IsDirty(ops.Plus(0), 3, ops.SendSide))
	assert.False(t, u.IsDirty(ops.Plus(0), 2, ops.RecvSide))

	assert.True(t, errors.Is(u.MarkDirty(ops.Minus(1), 0, ops.SendSide), ops.ErrConfiguration), "direction out of range")
	assert.True(t, errors.Is(u.MarkDirty(ops.Minus(0), ops.MaxDepth, ops.SendSide), ops.ErrConfiguration), "depth out of range")
}

func TestMarkWritten(t *testing.T) {
	inst := newInstance(t)
	u := newLine(t, inst, 40, 2)
	testCases := []struct {
		name       string
		start, end int
		minus      []int
		plus       []int
	}{
		{"first point", 0, 1, []int{0}, nil},
		{"second point", 1, 2, []int{1}, nil},
		{"last point", 39, 40, nil, []int{0}},
		{"interior", 20, 22, nil, nil},
		{"two last", 38, 40, nil, []int{0, 1}},
		{"outside owned", 45, 50, nil, nil},
		{"halo only", -2, 0, nil, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ops.ResetDirty(u)
			u.MarkWritten([]int{tc.start}, []int{tc.end})
			for depth := range ops.MaxDepth {
				assert.Equalf(t, slices.Contains(tc.minus, depth), u.IsDirty(ops.Minus(0), depth, ops.SendSide), "x- depth %d", depth)
				assert.Equalf(t, slices.Contains(tc.plus, depth), u.IsDirty(ops.Plus(0), depth, ops.SendSide), "x+ depth %d", depth)
				// Local writes never set receive bits.
				assert.False(t, u.IsDirty(ops.Minus(0), depth, ops.RecvSide))
				assert.False(t, u.IsDirty(ops.Plus(0), depth, ops.RecvSide))
			}
		})
	}
}

func TestDirtyString(t *testing.T) {
	inst := newInstance(t)
	block, err := inst.DeclBlock(2, "plane")
	require.NoError(t, err)
	u, err := inst.DeclDat(block, ops.DatSpec{
		Name:      "u",
		DType:     dtypes.Float64,
		Size:      []int{40, 5},
		HaloMinus: []int{1, 1},
		HaloPlus:  []int{1, 1},
	})
	require.NoError(t, err)
	require.NoError(t, inst.Partition())

	ops.ResetDirty(u)
	u.MarkWritten([]int{0, 0}, []int{2, 5})
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "dirty_after_write", []byte(u.DirtyString()))
}
