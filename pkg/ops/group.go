package ops

import (
	"github.com/mords94/OPS/pkg/transport"
)

// initProcessGroup initializes the transport if needed and creates the communicator of the
// instance: a private duplicate of the world, or, in a multi-program launch, the sub-group of
// the processes running the same program, in world-rank order.
func (inst *Instance) initProcessGroup() error {
	if !inst.rt.Initialized() {
		if err := inst.rt.Init(inst.args); err != nil {
			return transportError(err, "initializing transport")
		}
	}
	world, err := inst.rt.World()
	if err != nil {
		return transportError(err, "getting world communicator")
	}
	inst.appNum, inst.hasAppNum = inst.rt.Attr(transport.AttrAppNum)
	if inst.hasAppNum {
		inst.comm, err = world.Split(inst.appNum, world.Rank())
		if err != nil {
			return transportError(err, "splitting world by program %d", inst.appNum)
		}
	} else {
		inst.comm, err = world.Dup()
		if err != nil {
			return transportError(err, "duplicating world communicator")
		}
	}
	if inst.comm == nil {
		return transportError(nil, "world split returned no group for program %d", inst.appNum)
	}
	return nil
}
