package sdma

import (
	"github.com/emergingrobotics/go-sdma/pkg/descriptor"
	"github.com/emergingrobotics/go-sdma/pkg/platform"
	"github.com/emergingrobotics/go-sdma/pkg/ring"
)

// allocateChannelDescriptor creates the descriptor of a slot from the
// defaults template. Only the channel number, the priority when the
// hardware already holds one, and the sync mode of channel 0 differ from
// the template.
func (r *Registry) allocateChannelDescriptor(ccb *ControlBlock) (*ChannelDescriptor, error) {
	if ccb.cd != nil {
		return nil, newError(KindAlreadyDefined, ccb.channel, "allocate channel descriptor")
	}

	cd := &ChannelDescriptor{
		channel: ccb.channel,
		cfg:     r.defaults,
		ccb:     ccb,
	}
	if p := r.hw.Priority(ccb.channel); p != 0 {
		cd.cfg.Priority = p
	}
	// channel 0 transfers always synchronize in the caller
	if ccb.channel == 0 {
		cd.cfg.SyncMode = SyncPoll
	}
	ccb.cd = cd
	return cd, nil
}

// initializeMemory allocates the ring of a channel and, outside trust mode,
// one payload buffer per descriptor. Every descriptor but the tail gets
// CONT|EXTD; the tail gets EXTD|WRAP|INTR.
func (r *Registry) initializeMemory(ccb *ControlBlock) error {
	cfg := ccb.cd.cfg
	n := cfg.BufferCount

	mem, err := r.ops.Alloc(n * descriptor.Size)
	if err != nil {
		return wrapError(KindBufferAllocationFailed, ccb.channel, "allocate descriptor ring", err)
	}
	rg, err := ring.New(mem.Bytes(), mem.PhysAddr(), n)
	if err != nil {
		r.ops.Free(mem)
		return wrapError(KindBufferAllocationFailed, ccb.channel, "allocate descriptor ring", err)
	}

	ccb.ring = rg
	ccb.ringMem = mem
	ccb.current = 0
	ccb.buffers = nil

	if !cfg.Trust {
		ccb.buffers = make([]platform.Mem, n)
	}
	for i := 0; i < n; i++ {
		status := descriptor.StatusCont | descriptor.StatusExtended
		if i == rg.Last() {
			status = descriptor.StatusExtended | descriptor.StatusWrap | descriptor.StatusIntr
		}

		var bd descriptor.BD
		if cfg.Trust {
			descriptor.Fill(&bd, 0, status, 0, nil, 0)
		} else {
			buf, err := r.ops.Alloc(cfg.BufferSize)
			if err != nil {
				r.freeMemory(ccb)
				return wrapError(KindAllocationFailed, ccb.channel, "allocate descriptor buffer", err)
			}
			ccb.buffers[i] = buf
			descriptor.Fill(&bd, 0, status, uint16(cfg.BufferSize), buf, 0)
		}
		rg.Set(i, bd)
	}

	r.loadChannel(ccb)
	r.chanLog(ccb.channel).WithField("descriptors", n).
		WithField("buffer_size", cfg.BufferSize).
		WithField("trust", cfg.Trust).
		Debug("descriptor ring initialized")
	return nil
}

// freeMemory releases the engine-owned buffers and the ring.
func (r *Registry) freeMemory(ccb *ControlBlock) {
	for i, buf := range ccb.buffers {
		if buf == nil {
			continue
		}
		if err := r.ops.Free(buf); err != nil {
			r.chanLog(ccb.channel).WithError(err).WithField("descriptor", i).Warn("freeing descriptor buffer")
		}
	}
	ccb.buffers = nil

	if ccb.ringMem != nil {
		if err := r.ops.Free(ccb.ringMem); err != nil {
			r.chanLog(ccb.channel).WithError(err).Warn("freeing descriptor ring")
		}
	}
	ccb.ringMem = nil
	ccb.ring = nil
	ccb.current = 0
}

// loadChannel publishes the ring and cursor to the co-processor.
func (r *Registry) loadChannel(ccb *ControlBlock) {
	if ccb.ring == nil {
		r.hw.LoadChannel(ccb.channel, ChannelPointer{})
		return
	}
	r.hw.LoadChannel(ccb.channel, ChannelPointer{
		Base:    uint32(ccb.ring.PhysicalHandle()),
		Current: uint32(ccb.ring.Addr(ccb.current)),
		Count:   ccb.ring.Len(),
		Dir:     ccb.dir,
	})
}

// configureHardware writes the channel enable register and event masks.
func (r *Registry) configureHardware(cd *ChannelDescriptor) {
	own := cd.cfg.Ownership
	if cd.channel == 0 {
		own = Ownership{Host: true}
	}
	r.hw.Configure(cd.channel, PackChannelRegister(cd.cfg.Priority, own))
	r.hw.SetEventMasks(cd.channel, cd.cfg.EventMask1, cd.cfg.EventMask2)
}
