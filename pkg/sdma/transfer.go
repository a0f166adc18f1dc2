package sdma

import (
	"context"
	"fmt"
	"runtime"

	"github.com/emergingrobotics/go-sdma/pkg/descriptor"
	"github.com/emergingrobotics/go-sdma/pkg/platform"
)

// ErrorMask is returned by GetError.
type ErrorMask uint32

// Error mask bits
const (
	// ErrorDescriptor is set while a ring descriptor carries ERROR.
	ErrorDescriptor ErrorMask = 1 << 0
	// ErrorData is set when the last completed transfer observed ERROR.
	ErrorData ErrorMask = 1 << 1
)

func checkChannel(channel int, op string) error {
	if channel < 0 || channel >= MaxChannels {
		return newError(KindInvalidParameter, channel&channelMask, fmt.Sprintf("%s: channel %d out of range", op, channel))
	}
	return nil
}

// lookup validates a descriptor handle and returns its control block.
func (r *Registry) lookup(cd *ChannelDescriptor, op string) (*ControlBlock, error) {
	if cd == nil {
		return nil, newError(KindInvalidParameter, 0, op+": nil channel descriptor")
	}
	ccb := cd.ccb
	if ccb == nil {
		return nil, newError(KindNoControlBlock, cd.channel, op)
	}
	if ccb.cd != cd {
		return nil, newError(KindChannelUninitialized, cd.channel, op+": channel closed")
	}
	if ccb.ring == nil {
		return nil, newError(KindBufferUninitialized, cd.channel, op)
	}
	return ccb, nil
}

// acquire takes the channel lock. Interrupt context and non-blocking
// channels never wait.
func (r *Registry) acquire(ctx context.Context, channel int, blocking Blocking) error {
	var err error
	if platform.InInterrupt(ctx) || blocking == NonBlocking {
		err = r.ops.TryAcquireChannel(channel)
	} else {
		err = r.ops.AcquireChannel(ctx, channel)
	}
	if err != nil {
		return wrapError(KindChannelBusy, channel, "acquire channel", err)
	}
	return nil
}

func (r *Registry) release(channel int) {
	r.ops.ReleaseChannel(channel)
}

func (r *Registry) fail(err *Error) error {
	r.metrics.Error(err.Kind.String())
	return err
}

// Open opens a channel with the defaults template. The first open of
// channel 0 allocates the control block table; every other channel
// requires it.
func (r *Registry) Open(ctx context.Context, channel int) (*ChannelDescriptor, error) {
	if err := checkChannel(channel, "open"); err != nil {
		return nil, err
	}
	if channel == 0 && !r.Initialized() {
		if err := r.bootstrap(); err != nil {
			return nil, err
		}
	}
	t := r.table.Load()
	if t == nil {
		return nil, newError(KindControlBlockUninitialized, channel, "open")
	}
	ccb := &t[channel]

	if err := r.acquire(ctx, channel, Wait); err != nil {
		return nil, err
	}
	defer r.release(channel)

	if ccb.ring != nil {
		e := newError(KindBufferAllocated, channel, "open")
		e.Detail = ccb.ring.Count(descriptor.StatusDone)
		return nil, r.fail(e)
	}

	cd, err := r.allocateChannelDescriptor(ccb)
	if err != nil {
		return nil, err
	}
	if err := r.initializeMemory(ccb); err != nil {
		ccb.cd = nil
		return nil, r.fail(err.(*Error))
	}

	r.configureHardware(cd)
	r.callbacks[channel].Store(nil)
	r.drainCompletions(channel)

	if err := ccb.setState(StateIdle); err != nil {
		r.freeMemory(ccb)
		ccb.reset()
		return nil, err
	}

	r.metrics.ChannelOpened()
	r.chanLog(channel).WithField("descriptors", cd.cfg.BufferCount).
		WithField("sync", cd.cfg.SyncMode).
		Info("channel opened")
	return cd, nil
}

// Close releases every resource of a channel. If the co-processor still
// owns a descriptor it fails with ErrCloseFailed, unless ForceClose is set.
func (r *Registry) Close(ctx context.Context, cd *ChannelDescriptor) error {
	ccb, err := r.lookup(cd, "close")
	if err != nil {
		return err
	}
	ch := cd.channel

	if err := r.acquire(ctx, ch, cd.cfg.Blocking); err != nil {
		return err
	}
	defer r.release(ch)

	if owned := ccb.ring.Count(descriptor.StatusDone); owned > 0 {
		if !cd.cfg.ForceClose {
			return r.fail(newError(KindCloseFailed, ch, "close"))
		}
		for i := 0; i < ccb.ring.Len(); i++ {
			ccb.ring.ClearBits(i, descriptor.StatusDone)
		}
		r.chanLog(ch).WithField("owned", owned).Warn("force closing channel owned by co-processor")
	}

	r.hw.Stop(ch)
	r.callbacks[ch].Store(nil)
	r.freeMemory(ccb)
	ccb.reset()
	ccb.state.Store(int32(StateClosed))
	r.intrArrived.And(^uint32(1 << ch))
	r.loadChannel(ccb)
	r.drainCompletions(ch)

	r.metrics.ChannelClosed()
	r.chanLog(ch).Info("channel closed")
	return nil
}

// checkTransfer validates a transfer of n bytes before any descriptor is
// touched.
func (r *Registry) checkTransfer(cd *ChannelDescriptor, ccb *ControlBlock, n int, op string) error {
	cfg := cd.cfg
	rg := ccb.ring

	if cfg.Trust {
		for i := 0; i < rg.Len(); i++ {
			bd := rg.At(i)
			if bd.BufferAddr == 0 || bd.Count == 0 {
				return newError(KindInvalidParameter, cd.channel,
					fmt.Sprintf("%s: trusted descriptor %d has no buffer", op, i))
			}
		}
	}

	if cfg.UseDataSize {
		g := int(cfg.DataSize)
		if n%g != 0 {
			return newError(KindInvalidParameter, cd.channel,
				fmt.Sprintf("%s: %d bytes is not a multiple of the %d-byte transfer size", op, n, g))
		}
		for i := 0; i < rg.Len(); i++ {
			if c := int(rg.At(i).Count); c%g != 0 {
				return newError(KindInvalidParameter, cd.channel,
					fmt.Sprintf("%s: descriptor %d count %d is not a multiple of %d", op, i, c, g))
			}
		}
	}

	if cfg.SyncMode == SyncCallback && r.callbacks[cd.channel].Load() == nil {
		return newError(KindInvalidParameter, cd.channel, op+": callback mode without a callback")
	}
	return nil
}

func (r *Registry) checkIdle(ccb *ControlBlock, op string) error {
	if st := ccb.State(); st != StateIdle {
		return newError(KindChannelInUse, ccb.channel, fmt.Sprintf("%s: channel %s", op, st))
	}
	return nil
}

// checkErrors fails on the first descriptor carrying ERROR.
func (r *Registry) checkErrors(ccb *ControlBlock, op string) error {
	i := ccb.ring.First(descriptor.StatusError)
	if i < 0 {
		return nil
	}
	ccb.dataError = true
	e := newError(KindErrorBitSet, ccb.channel, fmt.Sprintf("%s: descriptor %d", op, i))
	e.Detail = i
	return r.fail(e)
}

// Read grants the whole ring to the co-processor and, in poll mode, waits
// for it and copies out up to len(buf) bytes. The copy stops at the first
// descriptor carrying LAST. In callback mode Read returns 0 right after
// starting the channel; the channel lock is released by the interrupt
// dispatcher and the data can be collected with Drain.
func (r *Registry) Read(ctx context.Context, cd *ChannelDescriptor, buf []byte) (int, error) {
	ccb, err := r.lookup(cd, "read")
	if err != nil {
		return 0, err
	}
	ch := cd.channel
	cfg := cd.cfg

	if err := r.acquire(ctx, ch, cfg.Blocking); err != nil {
		return 0, err
	}
	held := true
	defer func() {
		if held {
			r.release(ch)
		}
	}()

	if err := r.checkIdle(ccb, "read"); err != nil {
		return 0, err
	}
	if err := r.checkTransfer(cd, ccb, len(buf), "read"); err != nil {
		return 0, r.fail(err.(*Error))
	}

	rg := ccb.ring
	for i := 0; i < rg.Len(); i++ {
		rg.Update(i, func(bd *descriptor.BD) {
			bd.Status = bd.Status&^(descriptor.StatusLast|descriptor.StatusError) | descriptor.StatusDone
			if !cfg.Trust {
				bd.Count = uint16(cfg.BufferSize)
			}
		})
	}
	ccb.current = 0
	callback := cfg.SyncMode == SyncCallback
	if err := r.launch(ccb, DirRead, callback); err != nil {
		return 0, err
	}

	if callback {
		held = false
		return 0, nil
	}

	if err := r.synchronize(ctx, ccb); err != nil {
		return 0, err
	}
	if err := r.checkErrors(ccb, "read"); err != nil {
		return 0, err
	}
	n, err := r.copyOut(ccb, buf)
	if err != nil {
		return n, err
	}
	r.metrics.Transfer(ch, DirRead.String(), n)
	return n, nil
}

// Drain copies out the data of a completed read. Callback-mode readers use
// it once their callback fired.
func (r *Registry) Drain(ctx context.Context, cd *ChannelDescriptor, buf []byte) (int, error) {
	ccb, err := r.lookup(cd, "drain")
	if err != nil {
		return 0, err
	}
	if err := r.acquire(ctx, cd.channel, cd.cfg.Blocking); err != nil {
		return 0, err
	}
	defer r.release(cd.channel)

	if err := r.checkIdle(ccb, "drain"); err != nil {
		return 0, err
	}
	if ccb.ring.Any(descriptor.StatusDone) {
		return 0, r.fail(newError(KindChannelInUse, cd.channel, "drain: co-processor owns data"))
	}
	if err := r.checkErrors(ccb, "drain"); err != nil {
		return 0, err
	}
	n, err := r.copyOut(ccb, buf)
	if err != nil {
		return n, err
	}
	r.metrics.Transfer(cd.channel, DirRead.String(), n)
	return n, nil
}

// copyOut walks the ring from its base. Untrusted channels copy a whole
// buffer per descriptor, trusted ones the descriptor count.
func (r *Registry) copyOut(ccb *ControlBlock, buf []byte) (int, error) {
	cfg := ccb.cd.cfg
	rg := ccb.ring
	copied := 0

	for i := 0; i < rg.Len() && copied < len(buf); i++ {
		bd := rg.At(i)

		var src []byte
		if !cfg.Trust && ccb.buffers != nil {
			src = ccb.buffers[i].Bytes()[:cfg.BufferSize]
		} else {
			v, err := r.ops.PhysToVirt(uint64(bd.BufferAddr), int(bd.Count))
			if err != nil {
				return copied, wrapError(KindInvalidParameter, ccb.channel,
					fmt.Sprintf("read: descriptor %d buffer", i), err)
			}
			src = v
		}
		copied += copy(buf[copied:], src)

		if bd.Status.Has(descriptor.StatusLast) {
			break
		}
	}
	return copied, nil
}

// Write hands len(buf) bytes to the co-processor, filling host-owned
// descriptors from the cursor towards the ring tail. It never wraps: a
// buffer larger than the remaining ring is written short and the count
// returned tells how much was accepted.
func (r *Registry) Write(ctx context.Context, cd *ChannelDescriptor, buf []byte) (int, error) {
	ccb, err := r.lookup(cd, "write")
	if err != nil {
		return 0, err
	}
	ch := cd.channel
	cfg := cd.cfg

	if err := r.acquire(ctx, ch, cfg.Blocking); err != nil {
		return 0, err
	}
	held := true
	defer func() {
		if held {
			r.release(ch)
		}
	}()

	if err := r.checkIdle(ccb, "write"); err != nil {
		return 0, err
	}
	if err := r.checkTransfer(cd, ccb, len(buf), "write"); err != nil {
		return 0, r.fail(err.(*Error))
	}
	if len(buf) == 0 {
		return 0, nil
	}

	rg := ccb.ring
	written := 0
	for i := ccb.current; written < len(buf) && i < rg.Len(); i++ {
		bd := rg.At(i)
		if bd.Owned() {
			break
		}

		size := cfg.BufferSize
		if cfg.Trust {
			size = int(bd.Count)
		}
		amount := min(len(buf)-written, size)
		if !cfg.Trust {
			copy(ccb.buffers[i].Bytes(), buf[written:written+amount])
		}

		bd.Count = uint16(amount)
		bd.Status = bd.Status&^(descriptor.StatusError|descriptor.StatusLast) | descriptor.StatusDone
		rg.Set(i, bd)
		written += amount
	}
	if written == 0 {
		return 0, r.fail(newError(KindChannelInUse, ch, "write: no host-owned descriptor at cursor"))
	}

	callback := cfg.SyncMode == SyncCallback
	if err := r.launch(ccb, DirWrite, callback); err != nil {
		return 0, err
	}

	if callback {
		held = false
		r.metrics.Transfer(ch, DirWrite.String(), written)
		return written, nil
	}

	if err := r.synchronize(ctx, ccb); err != nil {
		return 0, err
	}
	if err := r.checkErrors(ccb, "write"); err != nil {
		return 0, err
	}
	r.metrics.Transfer(ch, DirWrite.String(), written)
	return written, nil
}

// Memcopy copies size bytes from src to dst with descriptor 0 of a trusted
// channel.
func (r *Registry) Memcopy(ctx context.Context, cd *ChannelDescriptor, dst, src platform.Mem, size int) error {
	ccb, err := r.lookup(cd, "memcopy")
	if err != nil {
		return err
	}
	ch := cd.channel
	cfg := cd.cfg

	switch {
	case dst == nil || src == nil:
		return newError(KindInvalidParameter, ch, "memcopy: nil buffer")
	case size <= 0 || size > descriptor.MaxCount:
		return newError(KindInvalidParameter, ch, fmt.Sprintf("memcopy: size %d out of range", size))
	case size > len(dst.Bytes()) || size > len(src.Bytes()):
		return newError(KindInvalidParameter, ch, "memcopy: size exceeds buffer")
	case !cfg.Trust:
		return newError(KindInvalidParameter, ch, "memcopy: channel not in trust mode")
	}

	if err := r.acquire(ctx, ch, cfg.Blocking); err != nil {
		return err
	}
	held := true
	defer func() {
		if held {
			r.release(ch)
		}
	}()

	if err := r.checkIdle(ccb, "memcopy"); err != nil {
		return err
	}
	if cfg.SyncMode == SyncCallback && r.callbacks[ch].Load() == nil {
		return newError(KindInvalidParameter, ch, "memcopy: callback mode without a callback")
	}
	rg := ccb.ring
	if rg.Any(descriptor.StatusDone) {
		return r.fail(newError(KindChannelInUse, ch, "memcopy"))
	}

	wrap := rg.Status(0) & descriptor.StatusWrap
	var bd descriptor.BD
	descriptor.Fill(&bd, 0,
		descriptor.StatusDone|descriptor.StatusIntr|descriptor.StatusExtended|descriptor.StatusLast|wrap,
		uint16(size), src, uint32(dst.PhysAddr()))
	rg.Set(0, bd)
	ccb.current = 0

	callback := cfg.SyncMode == SyncCallback
	if err := r.launch(ccb, DirMemCopy, callback); err != nil {
		return err
	}
	if callback {
		held = false
		return nil
	}
	if err := r.synchronize(ctx, ccb); err != nil {
		return err
	}
	if err := r.checkErrors(ccb, "memcopy"); err != nil {
		return err
	}
	r.metrics.Transfer(ch, DirMemCopy.String(), size)
	return nil
}

// start hands the ring to the co-processor from the cursor.
func (r *Registry) start(ccb *ControlBlock, dir Direction) error {
	ch := ccb.channel
	bit := uint32(1) << ch

	if err := ccb.setState(StateExecuting); err != nil {
		return err
	}
	r.intrArrived.And(^bit)
	r.ops.InitSleep(ch)
	ccb.dir = dir
	ccb.dataError = false
	r.loadChannel(ccb)

	r.chanLog(ch).WithField("dir", dir).WithField("cursor", ccb.current).Debug("start")
	r.hw.Start(ch)
	return nil
}

// launch starts a channel. In callback mode the caller's channel lock is
// handed to the dispatcher before the co-processor can finish.
func (r *Registry) launch(ccb *ControlBlock, dir Direction, handoff bool) error {
	if handoff {
		r.handoff[ccb.channel].Store(true)
	}
	if err := r.start(ccb, dir); err != nil {
		r.handoff[ccb.channel].Store(false)
		return err
	}
	return nil
}

// releaseHandoff releases a channel lock handed over by launch. Only one
// caller wins it.
func (r *Registry) releaseHandoff(ch int) bool {
	if !r.handoff[ch].CompareAndSwap(true, false) {
		return false
	}
	r.release(ch)
	return true
}

// complete moves a channel back to idle once the co-processor is done.
func (r *Registry) complete(ccb *ControlBlock) {
	if ccb.State() == StateExecuting {
		ccb.state.Store(int32(StateIdle))
	}
	ccb.current = 0
}

// synchronize waits until the dispatcher reports the channel's interrupt.
// In interrupt context it spins instead of sleeping. There is no timeout: a
// stalled co-processor blocks the caller.
func (r *Registry) synchronize(ctx context.Context, ccb *ControlBlock) error {
	ch := ccb.channel
	bit := uint32(1) << ch
	atomicCtx := platform.InInterrupt(ctx)

	for r.intrArrived.Load()&bit == 0 {
		if atomicCtx {
			runtime.Gosched()
		} else {
			r.ops.Sleep(ch)
		}
	}
	r.intrArrived.And(^bit)
	r.complete(ccb)
	r.chanLog(ch).Debug("synchronized")
	return nil
}

// Start starts a channel with its current ring and cursor.
func (r *Registry) Start(channel int) error {
	if err := checkChannel(channel, "start"); err != nil {
		return err
	}
	ccb := r.ControlBlock(channel)
	if ccb == nil || ccb.ring == nil {
		return newError(KindBufferUninitialized, channel, "start")
	}
	return r.start(ccb, ccb.dir)
}

// Stop stops a channel at the hardware level. A callback-mode transfer in
// flight is abandoned and its channel lock released.
func (r *Registry) Stop(channel int) error {
	if err := checkChannel(channel, "stop"); err != nil {
		return err
	}
	ccb := r.ControlBlock(channel)
	if ccb == nil {
		return newError(KindControlBlockUninitialized, channel, "stop")
	}
	r.hw.Stop(channel)
	r.complete(ccb)
	// a stopped channel never interrupts, so nobody else would free the lock
	if r.releaseHandoff(channel) {
		r.chanLog(channel).Debug("released handed-off lock")
	}
	r.chanLog(channel).Debug("stop")
	return nil
}

// Synchronize blocks until the running transfer of a channel completes.
func (r *Registry) Synchronize(ctx context.Context, channel int) error {
	if err := checkChannel(channel, "synchronize"); err != nil {
		return err
	}
	ccb := r.ControlBlock(channel)
	if ccb == nil || ccb.ring == nil {
		return newError(KindBufferUninitialized, channel, "synchronize")
	}
	return r.synchronize(ctx, ccb)
}

// GetError reports the error state of a channel.
func (r *Registry) GetError(cd *ChannelDescriptor) (ErrorMask, error) {
	ccb, err := r.lookup(cd, "get error")
	if err != nil {
		return 0, err
	}
	var mask ErrorMask
	if ccb.ring.Any(descriptor.StatusError) {
		mask |= ErrorDescriptor
	}
	if ccb.dataError {
		mask |= ErrorData
	}
	return mask, nil
}

// GetCount returns the count of the descriptor at the cursor.
func (r *Registry) GetCount(cd *ChannelDescriptor) (uint32, error) {
	ccb, err := r.lookup(cd, "get count")
	if err != nil {
		return 0, err
	}
	return uint32(ccb.ring.At(ccb.current).Count), nil
}

// GetCountAll sums descriptor counts from the ring base up to and including
// the first descriptor carrying LAST.
func (r *Registry) GetCountAll(cd *ChannelDescriptor) (uint32, error) {
	ccb, err := r.lookup(cd, "get count all")
	if err != nil {
		return 0, err
	}
	var total uint32
	for i := 0; i < ccb.ring.Len(); i++ {
		bd := ccb.ring.At(i)
		total += uint32(bd.Count)
		if bd.Status.Has(descriptor.StatusLast) {
			break
		}
	}
	return total, nil
}

// State returns the lifecycle state of a channel slot.
func (r *Registry) State(channel int) State {
	ccb := r.ControlBlock(channel)
	if ccb == nil {
		return StateUninitialized
	}
	return ccb.State()
}
