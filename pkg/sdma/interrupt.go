package sdma

import (
	"context"
	"math/bits"

	"github.com/emergingrobotics/go-sdma/pkg/platform"
)

// completionDepth bounds the completions queued per channel for
// WaitCompletion. Older completions are kept, newer ones dropped.
const completionDepth = 8

// Completion reports a callback-mode transfer finished by the dispatcher.
type Completion struct {
	Channel int
	Dir     Direction
	Err     error
}

// ffs returns the highest set channel bit, or MaxChannels when none is set.
func ffs(mask uint32) int {
	if mask == 0 {
		return MaxChannels
	}
	return bits.Len32(mask) - 1
}

// HandleInterrupt is the co-processor interrupt entry point. It serves
// every pending channel, highest channel first, until the pending mask
// reads zero. Interrupts stay masked for the whole pass.
func (r *Registry) HandleInterrupt() {
	r.ops.DisableInterrupts()
	defer r.ops.EnableInterrupts()

	ctx := platform.WithInterrupt(context.Background())
	for pending := r.hw.Pending(); pending != 0; pending = r.hw.Pending() {
		for pending != 0 {
			ch := ffs(pending)
			pending &^= 1 << ch

			if !r.hw.AckPending(ch) {
				continue
			}
			r.serve(ctx, ch)
		}
	}
}

// serve records one acknowledged interrupt and runs the channel callback.
func (r *Registry) serve(ctx context.Context, ch int) {
	r.intrArrived.Or(1 << ch)
	r.ops.Wake(ch)
	r.metrics.Interrupt(ch)

	entry := r.callbacks[ch].Load()
	if entry == nil {
		return
	}

	var dir Direction
	var err error
	if ccb := r.ControlBlock(ch); ccb != nil && ccb.ring != nil {
		dir = ccb.dir
		r.intrArrived.And(^uint32(1 << ch))
		r.complete(ccb)
		err = r.checkErrors(ccb, "interrupt")
	}
	// only a transfer started by launch handed its lock over
	r.releaseHandoff(ch)

	r.chanLog(ch).WithField("dir", dir).Debug("callback")
	entry.fn(ctx, entry.cd, entry.arg)

	select {
	case r.completions[ch] <- Completion{Channel: ch, Dir: dir, Err: err}:
	default:
		r.chanLog(ch).Warn("completion queue full, dropping")
	}
}

// WaitCompletion blocks until the dispatcher finishes a callback-mode
// transfer of the channel or ctx is done.
func (r *Registry) WaitCompletion(ctx context.Context, cd *ChannelDescriptor) (Completion, error) {
	if cd == nil {
		return Completion{}, newError(KindInvalidParameter, 0, "wait completion: nil channel descriptor")
	}
	select {
	case c := <-r.completions[cd.channel]:
		return c, nil
	case <-ctx.Done():
		return Completion{}, wrapError(KindChannelBusy, cd.channel, "wait completion", ctx.Err())
	}
}

func (r *Registry) drainCompletions(ch int) {
	for {
		select {
		case <-r.completions[ch]:
		default:
			return
		}
	}
}
