package local

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sort"

	"github.com/mords94/OPS/pkg/core/dtypes"
	"github.com/mords94/OPS/pkg/transport"
	"github.com/pkg/errors"
)

// Reserved tags used by collectives.
const (
	tagGather = -1 - iota
	tagBroadcast
	tagSplit
)

// comm implements transport.Comm over a group of world ranks.
type comm struct {
	proc  *Process
	id    string
	ranks []int // World ranks of the members, in group order.
	rank  int   // Rank of this process in the group.

	// children counts communicators created from this one. Since Dup and Split are
	// collective and called in the same order everywhere, all members derive the same ids.
	children int
}

var _ transport.Comm = (*comm)(nil)

// Rank implements transport.Comm.
func (c *comm) Rank() int { return c.rank }

// Size implements transport.Comm.
func (c *comm) Size() int { return len(c.ranks) }

// String implements fmt.Stringer.
func (c *comm) String() string {
	return fmt.Sprintf("comm(%s, rank %d/%d)", c.id, c.rank, len(c.ranks))
}

func (c *comm) envelope(src, dst, tag int) envelope {
	return envelope{comm: c.id, src: c.ranks[src], dst: c.ranks[dst], tag: tag}
}

func (c *comm) checkPeer(peer int) error {
	if err := c.proc.check(); err != nil {
		return err
	}
	if peer < 0 || peer >= len(c.ranks) {
		return errors.Errorf("%s: peer rank %d out of range", c, peer)
	}
	return nil
}

// Dup implements transport.Comm.
func (c *comm) Dup() (transport.Comm, error) {
	if err := c.proc.check(); err != nil {
		return nil, err
	}
	child := &comm{
		proc:  c.proc,
		id:    fmt.Sprintf("%s.%d", c.id, c.children),
		ranks: slices.Clone(c.ranks),
		rank:  c.rank,
	}
	c.children++
	return child, nil
}

// Split implements transport.Comm. A negative color excludes the caller, who gets a nil Comm.
func (c *comm) Split(color, key int) (transport.Comm, error) {
	mine := make([]byte, 16)
	binary.LittleEndian.PutUint64(mine, uint64(int64(color)))
	binary.LittleEndian.PutUint64(mine[8:], uint64(int64(key)))
	all, err := c.allGather(tagSplit, mine)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: Split(color=%d)", c, color)
	}
	childID := fmt.Sprintf("%s.%d", c.id, c.children)
	c.children++
	if color < 0 {
		return nil, nil
	}

	type member struct{ key, parentRank int }
	var members []member
	for parentRank, payload := range all {
		otherColor := int(int64(binary.LittleEndian.Uint64(payload)))
		if otherColor != color {
			continue
		}
		members = append(members, member{
			key:        int(int64(binary.LittleEndian.Uint64(payload[8:]))),
			parentRank: parentRank,
		})
	}
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].key != members[j].key {
			return members[i].key < members[j].key
		}
		return members[i].parentRank < members[j].parentRank
	})
	child := &comm{proc: c.proc, id: fmt.Sprintf("%s/%d", childID, color)}
	for i, m := range members {
		if m.parentRank == c.rank {
			child.rank = i
		}
		child.ranks = append(child.ranks, c.ranks[m.parentRank])
	}
	return child, nil
}

// Send implements transport.Comm. Delivery is eager: it never blocks.
func (c *comm) Send(dst, tag int, data []byte) error {
	if err := c.checkPeer(dst); err != nil {
		return err
	}
	if tag < 0 {
		return errors.Errorf("%s: negative tag %d is reserved", c, tag)
	}
	c.proc.world.boxes.deliver(c.envelope(c.rank, dst, tag), data)
	return nil
}

// Isend implements transport.Comm.
func (c *comm) Isend(dst, tag int, data []byte) (transport.Request, error) {
	if err := c.Send(dst, tag, data); err != nil {
		return nil, err
	}
	return doneRequest{}, nil
}

// Irecv implements transport.Comm.
func (c *comm) Irecv(src, tag int) (transport.Request, error) {
	if err := c.checkPeer(src); err != nil {
		return nil, err
	}
	if tag < 0 {
		return nil, errors.Errorf("%s: negative tag %d is reserved", c, tag)
	}
	return c.irecv(src, tag), nil
}

func (c *comm) irecv(src, tag int) *recvRequest {
	env := c.envelope(src, c.rank, tag)
	s, ticket := c.proc.world.boxes.post(env)
	return &recvRequest{boxes: c.proc.world.boxes, env: env, slot: s, ticket: ticket}
}

// Recv implements transport.Comm.
func (c *comm) Recv(src, tag int) ([]byte, error) {
	req, err := c.Irecv(src, tag)
	if err != nil {
		return nil, err
	}
	return req.Wait()
}

// AllReduce implements transport.Comm: members send to rank 0, which combines in rank
// order, so every member ends with bit-identical values.
func (c *comm) AllReduce(op transport.ReduceOp, dtype dtypes.DType, data []byte) error {
	if err := c.proc.check(); err != nil {
		return err
	}
	if c.rank != 0 {
		c.proc.world.boxes.deliver(c.envelope(c.rank, 0, tagGather), data)
		result, err := c.irecv(0, tagBroadcast).Wait()
		if err != nil {
			return errors.WithMessagef(err, "%s: AllReduce(%s)", c, op)
		}
		if len(result) != len(data) {
			return errors.Errorf("%s: AllReduce got %d bytes, expected %d", c, len(result), len(data))
		}
		copy(data, result)
		return nil
	}
	for src := 1; src < len(c.ranks); src++ {
		contribution, err := c.irecv(src, tagGather).Wait()
		if err != nil {
			return errors.WithMessagef(err, "%s: AllReduce(%s)", c, op)
		}
		if err := transport.Combine(op, dtype, data, contribution); err != nil {
			return errors.WithMessagef(err, "%s: AllReduce contribution from rank %d", c, src)
		}
	}
	for dst := 1; dst < len(c.ranks); dst++ {
		c.proc.world.boxes.deliver(c.envelope(0, dst, tagBroadcast), data)
	}
	return nil
}

// Barrier implements transport.Comm.
func (c *comm) Barrier() error {
	return c.AllReduce(transport.ReduceOpSum, dtypes.Uint8, []byte{0})
}

// allGather returns the payload of every member, indexed by group rank.
func (c *comm) allGather(tag int, payload []byte) ([][]byte, error) {
	if err := c.proc.check(); err != nil {
		return nil, err
	}
	for dst := range c.ranks {
		if dst != c.rank {
			c.proc.world.boxes.deliver(c.envelope(c.rank, dst, tag), payload)
		}
	}
	all := make([][]byte, len(c.ranks))
	all[c.rank] = payload
	for src := range c.ranks {
		if src == c.rank {
			continue
		}
		msg, err := c.irecv(src, tag).Wait()
		if err != nil {
			return nil, err
		}
		all[src] = msg
	}
	return all, nil
}

type doneRequest struct{}

func (doneRequest) Wait() ([]byte, error) { return nil, nil }

type recvRequest struct {
	boxes  *postOffice
	env    envelope
	slot   *slot
	ticket int
}

func (r *recvRequest) Wait() ([]byte, error) {
	return r.boxes.take(r.env, r.slot, r.ticket)
}
