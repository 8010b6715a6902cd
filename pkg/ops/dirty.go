package ops

import (
	"fmt"
	"strings"
)

const (
	// MaxDim is the maximum number of dimensions of a block.
	MaxDim = 5

	// MaxDepth is the number of halo layers tracked by the dirty tables, and the maximum
	// halo depth of a dataset.
	MaxDepth = 15
)

// Direction identifies one side of one axis: 2*axis for the minus side, 2*axis+1 for the
// plus side.
type Direction int

// Minus returns the direction towards lower indices of axis.
func Minus(axis int) Direction { return Direction(2 * axis) }

// Plus returns the direction towards higher indices of axis.
func Plus(axis int) Direction { return Direction(2*axis + 1) }

// Axis of the direction.
func (dir Direction) Axis() int { return int(dir) / 2 }

// IsPlus reports whether dir points towards higher indices.
func (dir Direction) IsPlus() bool { return dir%2 == 1 }

// Opposite returns the direction on the other side of the same axis.
func (dir Direction) Opposite() Direction { return dir ^ 1 }

var axisNames = []string{"x", "y", "z", "u", "v"}

// String implements fmt.Stringer, e.g. "x-" or "y+".
func (dir Direction) String() string {
	name := fmt.Sprintf("a%d", dir.Axis())
	if dir >= 0 && dir.Axis() < len(axisNames) {
		name = axisNames[dir.Axis()]
	}
	if dir.IsPlus() {
		return name + "+"
	}
	return name + "-"
}

// Side selects one of the two dirty tables of a dataset.
type Side int

const (
	// SendSide bits mark owned boundary layers modified since they were last sent.
	SendSide Side = iota

	// RecvSide bits mark halo layers that are stale.
	RecvSide
)

// String implements fmt.Stringer.
func (s Side) String() string {
	if s == RecvSide {
		return "recv"
	}
	return "send"
}

// DirtyTable holds one bit per (direction, depth) pair, at index direction*MaxDepth+depth.
type DirtyTable struct {
	dims int
	bits [2 * MaxDim * MaxDepth]bool
}

// newDirtyTable returns a table for dims dimensions with every bit set.
func newDirtyTable(dims int) *DirtyTable {
	t := &DirtyTable{dims: dims}
	for i := range t.Len() {
		t.bits[i] = true
	}
	return t
}

// Len returns the number of bits of the table: 2*dims*MaxDepth.
func (t *DirtyTable) Len() int {
	return 2 * t.dims * MaxDepth
}

// Get returns the bit of (dir, depth).
func (t *DirtyTable) Get(dir Direction, depth int) bool {
	return t.bits[int(dir)*MaxDepth+depth]
}

// Set sets the bit of (dir, depth).
func (t *DirtyTable) Set(dir Direction, depth int) {
	t.bits[int(dir)*MaxDepth+depth] = true
}

// Clear clears the bit of (dir, depth).
func (t *DirtyTable) Clear(dir Direction, depth int) {
	t.bits[int(dir)*MaxDepth+depth] = false
}

// String renders one line per direction, with one digit per depth starting at depth 0.
func (t *DirtyTable) String() string {
	var sb strings.Builder
	for dir := Direction(0); int(dir) < 2*t.dims; dir++ {
		sb.WriteString(dir.String())
		sb.WriteByte(' ')
		for depth := range MaxDepth {
			if t.Get(dir, depth) {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// subDat is the per-process record of a dataset: its dirty tables and the depths up to which
// its halos were last exchanged.
type subDat struct {
	dirty     bool
	send      *DirtyTable
	recv      *DirtyTable
	lastMinus []int
	lastPlus  []int
}

func newSubDat(dims int) *subDat {
	return &subDat{
		send:      newDirtyTable(dims),
		recv:      newDirtyTable(dims),
		lastMinus: make([]int, dims),
		lastPlus:  make([]int, dims),
	}
}

func (sd *subDat) table(side Side) *DirtyTable {
	if side == RecvSide {
		return sd.recv
	}
	return sd.send
}

func (sd *subDat) copyFrom(other *subDat) {
	sd.dirty = other.dirty
	*sd.send = *other.send
	*sd.recv = *other.recv
	copy(sd.lastMinus, other.lastMinus)
	copy(sd.lastPlus, other.lastPlus)
}
