package sdma

import (
	"context"
	"fmt"

	"github.com/emergingrobotics/go-sdma/pkg/descriptor"
	"github.com/emergingrobotics/go-sdma/pkg/platform"
)

// ScriptParams are copied into the context of a channel by AssignScript.
type ScriptParams struct {
	LoadAddress          uint16
	EventMask1           uint32
	EventMask2           uint32
	PeripheralAddr       uint32
	SharedPeripheralAddr uint32
	Watermark            uint32
}

// transfer0 runs one single-shot command on channel 0 and waits for it.
// Descriptor 0 is restored afterwards.
func (r *Registry) transfer0(ctx context.Context, cd0 *ChannelDescriptor, cmd descriptor.Command, buf platform.Mem, count int, ext uint32, op string) error {
	ccb, err := r.lookup(cd0, op)
	if err != nil {
		return err
	}
	if cd0.channel != 0 {
		return newError(KindInvalidParameter, cd0.channel, op+": not channel 0")
	}
	if count <= 0 || count > descriptor.MaxCount {
		return newError(KindInvalidParameter, 0, fmt.Sprintf("%s: count %d out of range", op, count))
	}

	if err := r.acquire(ctx, 0, cd0.cfg.Blocking); err != nil {
		return err
	}
	defer r.release(0)

	if err := r.checkIdle(ccb, op); err != nil {
		return err
	}
	rg := ccb.ring
	if rg.Any(descriptor.StatusDone) {
		return r.fail(newError(KindChannelInUse, 0, op))
	}

	saved := rg.At(0)
	defer rg.Set(0, saved)

	var bd descriptor.BD
	descriptor.Fill(&bd, cmd,
		descriptor.StatusDone|descriptor.StatusIntr|descriptor.StatusExtended|descriptor.StatusLast|saved.Status&descriptor.StatusWrap,
		uint16(count), buf, ext)
	rg.Set(0, bd)
	ccb.current = 0

	r.chanLog(0).WithField("command", fmt.Sprintf("0x%02x", uint8(cmd))).
		WithField("count", count).
		WithField("address", ext).
		Debug(op)
	if err := r.start(ccb, DirControl); err != nil {
		return err
	}
	if err := r.synchronize(ctx, ccb); err != nil {
		return err
	}
	return r.checkErrors(ccb, op)
}

// scratch allocates platform memory of n bytes, releasing it with the
// returned func.
func (r *Registry) scratch(n int, op string) (platform.Mem, func(), error) {
	mem, err := r.ops.Alloc(n)
	if err != nil {
		return nil, nil, wrapError(KindAllocationFailed, 0, op, err)
	}
	return mem, func() {
		if err := r.ops.Free(mem); err != nil {
			r.chanLog(0).WithError(err).Warn("freeing scratch buffer")
		}
	}, nil
}

func checkScript(script []byte, op string) error {
	switch {
	case script == nil:
		return newError(KindInvalidParameter, 0, op+": nil script")
	case len(script) == 0 || len(script)%2 != 0:
		return newError(KindInvalidParameter, 0, fmt.Sprintf("%s: %d bytes is not a whole number of 16-bit words", op, len(script)))
	}
	return nil
}

// SetScript loads a script image into co-processor program memory at the
// given word address.
func (r *Registry) SetScript(ctx context.Context, cd0 *ChannelDescriptor, script []byte, address uint32) error {
	if err := checkScript(script, "set script"); err != nil {
		return err
	}
	mem, free, err := r.scratch(len(script), "set script")
	if err != nil {
		return err
	}
	defer free()

	copy(mem.Bytes(), script)
	return r.transfer0(ctx, cd0, descriptor.CommandSetPM, mem, len(script)/2, address, "set script")
}

// GetScript reads len(script) bytes of program memory at the given word
// address into script.
func (r *Registry) GetScript(ctx context.Context, cd0 *ChannelDescriptor, script []byte, address uint32) error {
	if err := checkScript(script, "get script"); err != nil {
		return err
	}
	mem, free, err := r.scratch(len(script), "get script")
	if err != nil {
		return err
	}
	defer free()

	if err := r.transfer0(ctx, cd0, descriptor.CommandGetPM, mem, len(script)/2, address, "get script"); err != nil {
		return err
	}
	copy(script, mem.Bytes())
	return nil
}

// SetContext writes the context of a channel.
func (r *Registry) SetContext(ctx context.Context, cd0 *ChannelDescriptor, channel int, c *Context) error {
	if c == nil {
		return newError(KindInvalidParameter, 0, "set context: nil context")
	}
	if err := checkChannel(channel, "set context"); err != nil {
		return err
	}
	mem, free, err := r.scratch(descriptor.ContextSize, "set context")
	if err != nil {
		return err
	}
	defer free()

	if err := c.MarshalTo(mem.Bytes()); err != nil {
		return wrapError(KindInvalidParameter, channel, "set context", err)
	}
	return r.transfer0(ctx, cd0, descriptor.CommandSetDM, mem, descriptor.ContextWords,
		descriptor.ContextAddress(channel), "set context")
}

// GetContext reads the context of a channel.
func (r *Registry) GetContext(ctx context.Context, cd0 *ChannelDescriptor, channel int) (*Context, error) {
	if err := checkChannel(channel, "get context"); err != nil {
		return nil, err
	}
	mem, free, err := r.scratch(descriptor.ContextSize, "get context")
	if err != nil {
		return nil, err
	}
	defer free()

	if err := r.transfer0(ctx, cd0, descriptor.CommandGetDM, mem, descriptor.ContextWords,
		descriptor.ContextAddress(channel), "get context"); err != nil {
		return nil, err
	}
	c, err := UnmarshalContext(mem.Bytes())
	if err != nil {
		return nil, wrapError(KindInvalidParameter, channel, "get context", err)
	}
	return &c, nil
}

// AssignScript points a channel at a loaded script: it writes a fresh
// context whose program counter is the script load address and whose
// general registers carry the event masks, peripheral addresses and
// watermark. Channel 0 must be open.
func (r *Registry) AssignScript(ctx context.Context, cd *ChannelDescriptor, p *ScriptParams) error {
	if cd == nil || p == nil {
		return newError(KindInvalidParameter, 0, "assign script: nil input")
	}
	if cd.ccb == nil {
		return newError(KindNoControlBlock, cd.channel, "assign script")
	}
	cd0 := r.Descriptor(0)
	if cd0 == nil {
		return newError(KindChannelUninitialized, 0, "assign script: channel 0 not open")
	}

	var c Context
	c.State.PC = p.LoadAddress
	c.GReg[RegEventMask2] = p.EventMask2
	c.GReg[RegEventMask1] = p.EventMask1
	c.GReg[RegPeripheralAddr] = p.PeripheralAddr
	c.GReg[RegSharedPeriphAddr] = p.SharedPeripheralAddr
	c.GReg[RegWatermark] = p.Watermark

	if err := r.SetContext(ctx, cd0, cd.channel, &c); err != nil {
		return err
	}
	r.chanLog(cd.channel).WithField("pc", p.LoadAddress).Info("script assigned")
	return nil
}
