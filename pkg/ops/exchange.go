package ops

import (
	"github.com/mords94/OPS/pkg/core/distributed"
	"github.com/mords94/OPS/pkg/transport"
)

const (
	headerClean byte = 0
	headerDirty byte = 1
)

// exchangeTag is unique per (dataset, direction, depth).
func exchangeTag(d *Dat, dir Direction, depth int) int {
	return (d.index*2*MaxDim+int(dir))*MaxDepth + depth
}

// boundaryLayer returns the local buffer coordinate, along dir's axis, of the owned layer at
// depth from the dir side.
func (d *Dat) boundaryLayer(dir Direction, depth int) int {
	axis := dir.Axis()
	if dir.IsPlus() {
		return d.haloMinus[axis] + d.localSize[axis] - 1 - depth
	}
	return d.haloMinus[axis] + depth
}

// haloLayer returns the local buffer coordinate, along dir's axis, of the halo layer at depth
// past the dir side.
func (d *Dat) haloLayer(dir Direction, depth int) int {
	axis := dir.Axis()
	if dir.IsPlus() {
		return d.haloMinus[axis] + d.localSize[axis] + depth
	}
	return d.haloMinus[axis] - 1 - depth
}

// layerBox returns the box of a layer: a single coordinate along axis, the whole local
// buffer along the others, so corner regions travel along.
func (d *Dat) layerBox(axis, layer int) (lo, hi []int) {
	lo = make([]int, len(d.allocSize))
	hi = make([]int, len(d.allocSize))
	copy(hi, d.allocSize)
	lo[axis], hi[axis] = layer, layer+1
	return
}

func (d *Dat) packLayer(axis, layer int, buf []byte) []byte {
	lo, hi := d.layerBox(axis, layer)
	d.forEachRun(lo, hi, func(_ []int, off, length int) {
		buf = append(buf, d.data[off:off+length]...)
	})
	return buf
}

func (d *Dat) unpackLayer(axis, layer int, payload []byte) int {
	lo, hi := d.layerBox(axis, layer)
	pos := 0
	d.forEachRun(lo, hi, func(_ []int, off, length int) {
		if pos+length <= len(payload) {
			copy(d.data[off:off+length], payload[pos:pos+length])
		}
		pos += length
	})
	return pos
}

// checkExchange verifies that depth is a valid halo layer on the receiving side of dir.
func (d *Dat) checkExchange(dir Direction, depth int) error {
	if err := d.checkBit(dir, depth); err != nil {
		return err
	}
	if d.data == nil {
		return configErrorf("dataset %q is not allocated, call Partition first", d.name)
	}
	axis := dir.Axis()
	// Data travelling towards plus fills the minus halo of the receiver, and vice versa.
	haloDepth := d.haloPlus[axis]
	if dir.IsPlus() {
		haloDepth = d.haloMinus[axis]
	}
	if depth >= haloDepth {
		return configErrorf("dataset %q: layer %d exceeds the halo depth %d on the %s side",
			d.name, depth, haloDepth, dir.Opposite())
	}
	return nil
}

// ExchangeIfNeeded moves boundary layer depth of dat towards dir: every process sends its
// layer to the neighbour in dir and fills its halo on the opposite side from the other
// neighbour. Data only travels if the sender's send bit is set. It is collective, and returns
// the number of payload bytes this process sent and received.
func (inst *Instance) ExchangeIfNeeded(dat *Dat, dir Direction, depth int) (int, error) {
	if err := inst.check(); err != nil {
		return 0, err
	}
	if err := dat.checkExchange(dir, depth); err != nil {
		return 0, err
	}
	n, err := inst.exchangeLayer(dat, dir, depth)
	if err != nil {
		return n, inst.fail(err)
	}
	return n, nil
}

func (inst *Instance) exchangeLayer(d *Dat, dir Direction, depth int) (int, error) {
	axis := dir.Axis()
	sendTo := d.block.Neighbor(dir)
	recvFrom := d.block.Neighbor(dir.Opposite())
	tag := exchangeTag(d, dir, depth)
	transferred := 0

	var req transport.Request
	if recvFrom != distributed.NoNeighbor {
		var err error
		req, err = inst.comm.Irecv(recvFrom, tag)
		if err != nil {
			return 0, transportError(err, "posting halo receive of %q %s/%d from rank %d", d.name, dir, depth, recvFrom)
		}
	}

	if sendTo != distributed.NoNeighbor {
		dirty := d.sd.send.Get(dir, depth)
		msg := []byte{headerClean}
		if dirty {
			msg[0] = headerDirty
			msg = d.packLayer(axis, d.boundaryLayer(dir, depth), msg)
		}
		if err := inst.comm.Send(sendTo, tag, msg); err != nil {
			return 0, transportError(err, "sending halo of %q %s/%d to rank %d", d.name, dir, depth, sendTo)
		}
		if dirty {
			d.sd.send.Clear(dir, depth)
			transferred += len(msg) - 1
		}
		inst.logf(3, "dataset %q %s/%d: send bit %v, %d bytes to rank %d", d.name, dir, depth, dirty, len(msg)-1, sendTo)
	}

	if req != nil {
		msg, err := req.Wait()
		if err != nil {
			return transferred, transportError(err, "receiving halo of %q %s/%d from rank %d", d.name, dir, depth, recvFrom)
		}
		if len(msg) == 0 {
			return transferred, transportError(nil, "empty halo message of %q %s/%d from rank %d", d.name, dir, depth, recvFrom)
		}
		haloSide := dir.Opposite()
		if msg[0] == headerDirty {
			// The peer changed its boundary: our halo is stale until unpacked.
			d.sd.recv.Set(haloSide, depth)
			payload := msg[1:]
			if n := d.unpackLayer(axis, d.haloLayer(haloSide, depth), payload); n != len(payload) {
				return transferred, transportError(nil, "halo message of %q %s/%d from rank %d has %d bytes, expected %d",
					d.name, dir, depth, recvFrom, len(payload), n)
			}
			d.sd.recv.Clear(haloSide, depth)
			d.markRelayed(axis)
			transferred += len(payload)
		}
		inst.logf(3, "dataset %q %s/%d: received header %d from rank %d", d.name, dir, depth, msg[0], recvFrom)
	}
	return transferred, nil
}

// markRelayed sets the send bits of the axes after axis, on both sides and at every depth:
// a halo layer received along axis spans their boundary layers, and its corner cells reach
// the diagonal neighbours only if those layers travel on.
func (d *Dat) markRelayed(axis int) {
	for next := axis + 1; next < len(d.size); next++ {
		for depth := range min(MaxDepth, d.localSize[next]) {
			d.sd.send.Set(Minus(next), depth)
			d.sd.send.Set(Plus(next), depth)
		}
	}
}

// ExchangeHalos brings the halos of dat up to date to the given depths below (minus) and
// above (plus) the owned range, along each axis. Axes are processed in order, and for each
// axis the transfers towards minus come first. Halo data received along an axis is relayed
// along the later ones, so corner regions propagate.
// It is collective, and returns the number of payload bytes sent and received.
func (inst *Instance) ExchangeHalos(dat *Dat, minus, plus []int) (int, error) {
	if err := inst.check(); err != nil {
		return 0, err
	}
	if len(minus) != dat.block.dims || len(plus) != dat.block.dims {
		return 0, configErrorf("dataset %q: halo depths for %d/%d axes, expected %d", dat.name, len(minus), len(plus), dat.block.dims)
	}
	if dat.data == nil {
		return 0, configErrorf("dataset %q is not allocated, call Partition first", dat.name)
	}
	for axis := range dat.block.dims {
		if minus[axis] > dat.haloMinus[axis] || plus[axis] > dat.haloPlus[axis] {
			return 0, configErrorf("dataset %q: halo depths -%d/+%d requested along axis %d, but it has -%d/+%d",
				dat.name, minus[axis], plus[axis], axis, dat.haloMinus[axis], dat.haloPlus[axis])
		}
	}
	total, err := inst.exchangeHalos(dat, minus, plus)
	if err != nil {
		return total, inst.fail(err)
	}
	return total, nil
}

func (inst *Instance) exchangeHalos(d *Dat, minus, plus []int) (int, error) {
	total := 0
	for axis := range d.block.dims {
		// Sending towards minus fills the plus halos of the neighbours.
		for depth := range plus[axis] {
			n, err := inst.exchangeLayer(d, Minus(axis), depth)
			total += n
			if err != nil {
				return total, err
			}
		}
		for depth := range minus[axis] {
			n, err := inst.exchangeLayer(d, Plus(axis), depth)
			total += n
			if err != nil {
				return total, err
			}
		}
		d.sd.lastMinus[axis] = max(d.sd.lastMinus[axis], minus[axis])
		d.sd.lastPlus[axis] = max(d.sd.lastPlus[axis], plus[axis])
	}
	return total, nil
}
