package sdma

import (
	"context"
	"fmt"

	"github.com/emergingrobotics/go-sdma/pkg/descriptor"
)

// Change is one field update applied by Reconfigure.
type Change interface {
	// Field names the changed field in errors and logs.
	Field() string
	apply(r *Registry, ccb *ControlBlock) error
}

type change struct {
	field string
	fn    func(r *Registry, ccb *ControlBlock) error
}

func (c change) Field() string {
	return c.field
}

func (c change) apply(r *Registry, ccb *ControlBlock) error {
	return c.fn(r, ccb)
}

func invalid(ccb *ControlBlock, field string, v any) error {
	return newError(KindInvalidParameter, ccb.channel, fmt.Sprintf("reconfigure %s: invalid value %v", field, v))
}

// Reconfigure applies one change to an open channel. It fails with
// ErrChannelInUse while any ring descriptor is owned by the co-processor.
func (r *Registry) Reconfigure(ctx context.Context, cd *ChannelDescriptor, c Change) error {
	if c == nil {
		return newError(KindInvalidParameter, 0, "reconfigure: nil change")
	}
	ccb, err := r.lookup(cd, "reconfigure")
	if err != nil {
		return err
	}
	if err := r.acquire(ctx, cd.channel, cd.cfg.Blocking); err != nil {
		return err
	}
	defer r.release(cd.channel)

	if ccb.ring.Any(descriptor.StatusDone) {
		return r.fail(newError(KindChannelInUse, cd.channel, "reconfigure "+c.Field()))
	}
	if err := c.apply(r, ccb); err != nil {
		if e, ok := err.(*Error); ok {
			return r.fail(e)
		}
		return err
	}
	r.chanLog(cd.channel).WithField("field", c.Field()).Debug("reconfigured")
	return nil
}

// reallocate rebuilds the ring after a geometry or trust change.
func (r *Registry) reallocate(ccb *ControlBlock) error {
	r.freeMemory(ccb)
	return r.initializeMemory(ccb)
}

// SetBufferCount changes the ring length and reallocates the ring.
func SetBufferCount(n int) Change {
	return change{"buffer count", func(r *Registry, ccb *ControlBlock) error {
		if n <= 0 || n >= MaxBufferCount {
			return invalid(ccb, "buffer count", n)
		}
		ccb.cd.cfg.BufferCount = n
		return r.reallocate(ccb)
	}}
}

// SetBufferSize changes the per-descriptor buffer size and reallocates the
// ring.
func SetBufferSize(n int) Change {
	return change{"buffer size", func(r *Registry, ccb *ControlBlock) error {
		if n <= 0 || n >= MaxBufferSize {
			return invalid(ccb, "buffer size", n)
		}
		ccb.cd.cfg.BufferSize = n
		return r.reallocate(ccb)
	}}
}

// SetBlocking changes the lock policy.
func SetBlocking(b Blocking) Change {
	return change{"blocking", func(r *Registry, ccb *ControlBlock) error {
		if b != Wait && b != NonBlocking {
			return invalid(ccb, "blocking", b)
		}
		ccb.cd.cfg.Blocking = b
		return nil
	}}
}

// SetSyncMode switches between poll and callback completion. Callback mode
// needs a callback installed first.
func SetSyncMode(m SyncMode) Change {
	return change{"sync mode", func(r *Registry, ccb *ControlBlock) error {
		cd := ccb.cd
		switch m {
		case SyncPoll:
			r.callbacks[cd.channel].Store(nil)
		case SyncCallback:
			if cd.callback == nil {
				return newError(KindInvalidParameter, cd.channel, "reconfigure sync mode: no callback set")
			}
			if cd.channel == 0 {
				return newError(KindInvalidParameter, 0, "reconfigure sync mode: channel 0 always polls")
			}
			r.installCallback(cd)
		default:
			return invalid(ccb, "sync mode", m)
		}
		cd.cfg.SyncMode = m
		return nil
	}}
}

// SetOwnership changes which agents may trigger the channel.
func SetOwnership(own Ownership) Change {
	return change{"ownership", func(r *Registry, ccb *ControlBlock) error {
		if ccb.channel == 0 && own != (Ownership{Host: true}) {
			return newError(KindInvalidParameter, 0, "reconfigure ownership: channel 0 is host owned")
		}
		ccb.cd.cfg.Ownership = own
		r.configureHardware(ccb.cd)
		return nil
	}}
}

// SetPriority changes the channel priority.
func SetPriority(p uint8) Change {
	return change{"priority", func(r *Registry, ccb *ControlBlock) error {
		if p > MaxPriority {
			return invalid(ccb, "priority", p)
		}
		ccb.cd.cfg.Priority = p
		r.configureHardware(ccb.cd)
		return nil
	}}
}

// SetTrust switches the buffer ownership model. Becoming trusted keeps the
// ring as is; leaving trust mode reinitializes it with engine buffers.
func SetTrust(trust bool) Change {
	return change{"trust", func(r *Registry, ccb *ControlBlock) error {
		cfg := &ccb.cd.cfg
		if cfg.Trust == trust {
			return nil
		}
		cfg.Trust = trust
		if trust {
			return nil
		}
		return r.reallocate(ccb)
	}}
}

// SetWatermark changes the watermark level.
func SetWatermark(level uint32) Change {
	return change{"watermark", func(r *Registry, ccb *ControlBlock) error {
		if level >= MaxWatermark {
			return invalid(ccb, "watermark", level)
		}
		ccb.cd.cfg.Watermark = level
		return nil
	}}
}

// SetCallback installs the completion callback and its user argument.
func SetCallback(fn Callback, arg any) Change {
	return change{"callback", func(r *Registry, ccb *ControlBlock) error {
		if fn == nil {
			return newError(KindInvalidParameter, ccb.channel, "reconfigure callback: nil callback")
		}
		cd := ccb.cd
		cd.callback = fn
		cd.userArg = arg
		if cd.cfg.SyncMode == SyncCallback {
			r.installCallback(cd)
		}
		return nil
	}}
}

// SetWrap sets or clears WRAP on the tail descriptor, making the ring
// circular or not.
func SetWrap(wrap bool) Change {
	return change{"wrap", func(r *Registry, ccb *ControlBlock) error {
		last := ccb.ring.Last()
		if wrap {
			ccb.ring.SetBits(last, descriptor.StatusWrap)
		} else {
			ccb.ring.ClearBits(last, descriptor.StatusWrap)
		}
		return nil
	}}
}

// SetChannelNumber always fails: a descriptor is bound to its channel.
func SetChannelNumber(int) Change {
	return change{"channel number", func(r *Registry, ccb *ControlBlock) error {
		return newError(KindChangeNotAllowed, ccb.channel, "reconfigure channel number")
	}}
}

// SetForceClose lets Close reclaim descriptors the co-processor owns.
func SetForceClose(force bool) Change {
	return change{"force close", func(r *Registry, ccb *ControlBlock) error {
		ccb.cd.cfg.ForceClose = force
		return nil
	}}
}

// SetDataSize enables the transfer granularity check.
func SetDataSize(size TransferSize) Change {
	return change{"data size", func(r *Registry, ccb *ControlBlock) error {
		if !size.valid() {
			return invalid(ccb, "data size", size)
		}
		ccb.cd.cfg.UseDataSize = true
		ccb.cd.cfg.DataSize = size
		return nil
	}}
}

// ClearDataSize disables the transfer granularity check.
func ClearDataSize() Change {
	return change{"data size", func(r *Registry, ccb *ControlBlock) error {
		ccb.cd.cfg.UseDataSize = false
		return nil
	}}
}

// SetEventMask1 changes the first event mask.
func SetEventMask1(mask uint32) Change {
	return change{"event mask 1", func(r *Registry, ccb *ControlBlock) error {
		ccb.cd.cfg.EventMask1 = mask
		r.configureHardware(ccb.cd)
		return nil
	}}
}

// SetEventMask2 changes the second event mask.
func SetEventMask2(mask uint32) Change {
	return change{"event mask 2", func(r *Registry, ccb *ControlBlock) error {
		ccb.cd.cfg.EventMask2 = mask
		r.configureHardware(ccb.cd)
		return nil
	}}
}

// SetPeripheralAddress changes the peripheral and shared peripheral
// addresses used by AssignScript.
func SetPeripheralAddress(addr, shared uint32) Change {
	return change{"peripheral address", func(r *Registry, ccb *ControlBlock) error {
		ccb.cd.cfg.PeripheralAddr = addr
		ccb.cd.cfg.SharedPeripheralAddr = shared
		return nil
	}}
}

// SetScriptID records the script a channel runs.
func SetScriptID(id uint32) Change {
	return change{"script id", func(r *Registry, ccb *ControlBlock) error {
		ccb.cd.cfg.ScriptID = id
		return nil
	}}
}

func (r *Registry) installCallback(cd *ChannelDescriptor) {
	r.callbacks[cd.channel].Store(&callbackEntry{fn: cd.callback, arg: cd.userArg, cd: cd})
}

// DescriptorChange is one update of a single ring descriptor.
type DescriptorChange func(bd *descriptor.BD) error

// ReconfigureDescriptor changes descriptor index of an open channel under
// the same guard as Reconfigure.
func (r *Registry) ReconfigureDescriptor(ctx context.Context, cd *ChannelDescriptor, index int, c DescriptorChange) error {
	if c == nil {
		return newError(KindInvalidParameter, 0, "reconfigure descriptor: nil change")
	}
	ccb, err := r.lookup(cd, "reconfigure descriptor")
	if err != nil {
		return err
	}
	if index < 0 || index >= ccb.ring.Len() {
		return newError(KindInvalidParameter, cd.channel, fmt.Sprintf("reconfigure descriptor: index %d out of range", index))
	}
	if err := r.acquire(ctx, cd.channel, cd.cfg.Blocking); err != nil {
		return err
	}
	defer r.release(cd.channel)

	if ccb.ring.Any(descriptor.StatusDone) {
		return r.fail(newError(KindChannelInUse, cd.channel, "reconfigure descriptor"))
	}

	bd := ccb.ring.At(index)
	if err := c(&bd); err != nil {
		return wrapError(KindInvalidParameter, cd.channel, fmt.Sprintf("reconfigure descriptor %d", index), err)
	}
	if bd.Owned() {
		return newError(KindInvalidParameter, cd.channel, "reconfigure descriptor: DONE is set by transfers only")
	}
	ccb.ring.Set(index, bd)
	return nil
}

// DescriptorBuffer points a trusted descriptor at a caller buffer.
func DescriptorBuffer(buf descriptor.PhysAddresser) DescriptorChange {
	return func(bd *descriptor.BD) error {
		if buf == nil {
			return fmt.Errorf("nil buffer")
		}
		bd.BufferAddr = uint32(buf.PhysAddr())
		return nil
	}
}

// DescriptorExtBuffer sets the extended buffer address as given.
func DescriptorExtBuffer(addr uint32) DescriptorChange {
	return func(bd *descriptor.BD) error {
		bd.ExtBufferAddr = addr
		return nil
	}
}

// DescriptorCount sets the transfer count.
func DescriptorCount(n int) DescriptorChange {
	return func(bd *descriptor.BD) error {
		if n < 0 || n > descriptor.MaxCount {
			return fmt.Errorf("count %d out of range", n)
		}
		bd.Count = uint16(n)
		return nil
	}
}

// DescriptorStatus replaces the status byte.
func DescriptorStatus(s descriptor.Status) DescriptorChange {
	return func(bd *descriptor.BD) error {
		bd.Status = s
		return nil
	}
}

// DescriptorCommand sets the command byte.
func DescriptorCommand(cmd descriptor.Command) DescriptorChange {
	return func(bd *descriptor.BD) error {
		bd.Command = cmd
		return nil
	}
}

// DescriptorLast sets or clears LAST.
func DescriptorLast(last bool) DescriptorChange {
	return statusBit(descriptor.StatusLast, last)
}

// DescriptorInterrupt sets or clears INTR.
func DescriptorInterrupt(intr bool) DescriptorChange {
	return statusBit(descriptor.StatusIntr, intr)
}

func statusBit(bit descriptor.Status, set bool) DescriptorChange {
	return func(bd *descriptor.BD) error {
		if set {
			bd.Status |= bit
		} else {
			bd.Status &^= bit
		}
		return nil
	}
}
