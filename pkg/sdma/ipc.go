package sdma

import (
	"context"
	"fmt"

	"github.com/emergingrobotics/go-sdma/pkg/descriptor"
)

// placeNodes translates data nodes onto the ring from index 0. The tail
// keeps its WRAP bit.
func (r *Registry) placeNodes(cd *ChannelDescriptor, ccb *ControlBlock, nodes []descriptor.DataNode, op string) error {
	switch {
	case !cd.cfg.Trust:
		return newError(KindInvalidParameter, cd.channel, op+": channel not in trust mode")
	case len(nodes) == 0 || len(nodes) > ccb.ring.Len():
		return newError(KindInvalidParameter, cd.channel,
			fmt.Sprintf("%s: %d nodes for a %d descriptor ring", op, len(nodes), ccb.ring.Len()))
	}

	granted := false
	for i, n := range nodes {
		bd := n.ToBD(ccb.ring.Status(i), descriptor.StatusWrap)
		ccb.ring.Set(i, bd)
		granted = granted || bd.Owned()
	}
	if !granted {
		return newError(KindInvalidParameter, cd.channel, op+": no node grants a descriptor")
	}
	return nil
}

func (r *Registry) ipc(ctx context.Context, cd *ChannelDescriptor, nodes []descriptor.DataNode, dir Direction, op string) (int, error) {
	ccb, err := r.lookup(cd, op)
	if err != nil {
		return 0, err
	}
	ch := cd.channel

	if err := r.acquire(ctx, ch, cd.cfg.Blocking); err != nil {
		return 0, err
	}
	held := true
	defer func() {
		if held {
			r.release(ch)
		}
	}()

	if err := r.checkIdle(ccb, op); err != nil {
		return 0, err
	}
	if cd.cfg.SyncMode == SyncCallback && r.callbacks[ch].Load() == nil {
		return 0, newError(KindInvalidParameter, ch, op+": callback mode without a callback")
	}
	if ccb.ring.Any(descriptor.StatusDone) {
		return 0, r.fail(newError(KindChannelInUse, ch, op))
	}
	if err := r.placeNodes(cd, ccb, nodes, op); err != nil {
		return 0, r.fail(err.(*Error))
	}

	ccb.current = 0
	callback := cd.cfg.SyncMode == SyncCallback
	if err := r.launch(ccb, dir, callback); err != nil {
		return 0, err
	}
	if callback {
		held = false
		return 0, nil
	}
	if err := r.synchronize(ctx, ccb); err != nil {
		return 0, err
	}
	if err := r.checkErrors(ccb, op); err != nil {
		return 0, err
	}
	n := r.collect(ccb, nodes)
	r.metrics.Transfer(ch, dir.String(), r.nodeBytes(nodes[:n]))
	return n, nil
}

// WriteIPC hands data nodes of an IPCv2 peer to the co-processor. In poll
// mode the nodes are updated with the completed status and the number of
// nodes up to the end of the frame is returned.
func (r *Registry) WriteIPC(ctx context.Context, cd *ChannelDescriptor, nodes []descriptor.DataNode) (int, error) {
	return r.ipc(ctx, cd, nodes, DirWrite, "write ipc")
}

// ReadIPC grants data nodes to the co-processor for reception. Completed
// counts and end of transfer/frame flags are written back into nodes.
func (r *Registry) ReadIPC(ctx context.Context, cd *ChannelDescriptor, nodes []descriptor.DataNode) (int, error) {
	return r.ipc(ctx, cd, nodes, DirRead, "read ipc")
}

// CollectIPC writes the completed ring back into nodes. Callback-mode
// channels call it from their callback.
func (r *Registry) CollectIPC(cd *ChannelDescriptor, nodes []descriptor.DataNode) (int, error) {
	ccb, err := r.lookup(cd, "collect ipc")
	if err != nil {
		return 0, err
	}
	return r.collect(ccb, nodes), nil
}

// collect applies the reverse table up to the first descriptor with LAST.
func (r *Registry) collect(ccb *ControlBlock, nodes []descriptor.DataNode) int {
	n := min(len(nodes), ccb.ring.Len())
	for i := 0; i < n; i++ {
		bd := ccb.ring.At(i)
		nodes[i] = descriptor.NodeFromBD(bd)
		if bd.Status.Has(descriptor.StatusLast) {
			return i + 1
		}
	}
	return n
}

func (r *Registry) nodeBytes(nodes []descriptor.DataNode) int {
	total := 0
	for _, n := range nodes {
		total += int(n.Count)
	}
	return total
}
