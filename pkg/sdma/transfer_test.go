package sdma_test

import (
	"context"
	"testing"

	"github.com/emergingrobotics/go-sdma/pkg/coproc"
	"github.com/emergingrobotics/go-sdma/pkg/descriptor"
	"github.com/emergingrobotics/go-sdma/pkg/platform"
	"github.com/emergingrobotics/go-sdma/pkg/sdma"
	"github.com/emergingrobotics/go-sdma/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRequiresChannelZero(t *testing.T) {
	host, err := platform.NewDefaultHost()
	require.NoError(t, err)
	defer host.Close()

	reg := sdma.NewRegistry(host, coproc.New(host, coproc.DefaultConfig()))
	_, err = reg.Open(context.Background(), 5)
	assert.ErrorIs(t, err, sdma.ErrControlBlockUninitialized)
	assert.False(t, reg.Initialized())

	_, err = reg.Open(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, reg.Initialized())
	assert.Equal(t, sdma.StateIdle, reg.State(0))
}

func TestOpenIncompletePlatform(t *testing.T) {
	reg := sdma.NewRegistry(nil, nil)
	_, err := reg.Open(context.Background(), 0)
	assert.ErrorIs(t, err, sdma.ErrPlatformContract)
}

func TestOpenChannelRange(t *testing.T) {
	e := testutil.NewEnv(t, false)
	for _, ch := range []int{-1, sdma.MaxChannels} {
		_, err := e.Reg.Open(context.Background(), ch)
		assert.ErrorIs(t, err, sdma.ErrInvalidParameter)
	}
}

func TestOpenTwice(t *testing.T) {
	e := testutil.NewEnv(t, true)
	cd := e.Open(t, 3, sdma.SetBufferCount(4))
	cd.ControlBlock().Ring().SetBits(1, descriptor.StatusDone)
	cd.ControlBlock().Ring().SetBits(2, descriptor.StatusDone)

	_, err := e.Reg.Open(context.Background(), 3)
	require.ErrorIs(t, err, sdma.ErrBufferAllocated)
	var se *sdma.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Detail)
	assert.Equal(t, 3, se.Channel)
}

func TestOpenUsesHardwarePriority(t *testing.T) {
	e := testutil.NewEnv(t, false)
	e.CP.Configure(9, sdma.PackChannelRegister(6, sdma.Ownership{}))

	cd := e.Open(t, 9)
	assert.Equal(t, uint8(6), cd.Config().Priority)
	assert.Equal(t, 9, cd.Channel())

	_, own := sdma.UnpackChannelRegister(e.CP.Register(0))
	assert.Equal(t, sdma.Ownership{Host: true}, own)
}

func TestRingInvariant(t *testing.T) {
	e := testutil.NewEnv(t, false)
	for _, n := range []int{1, 2, 4, 17, 255} {
		cd := e.Open(t, 4, sdma.SetBufferCount(n))
		rg := cd.ControlBlock().Ring()
		require.Equal(t, n, rg.Len())

		assert.Equal(t, 1, rg.Count(descriptor.StatusWrap), "n=%d", n)
		assert.True(t, rg.Status(n-1).Has(descriptor.StatusWrap|descriptor.StatusIntr|descriptor.StatusExtended))
		for i := 0; i < n-1; i++ {
			assert.True(t, rg.Status(i).Has(descriptor.StatusCont|descriptor.StatusExtended), "n=%d i=%d", n, i)
		}
		assert.Zero(t, rg.Count(descriptor.StatusDone))
		require.NoError(t, e.Reg.Close(context.Background(), cd))
	}
}

// Write of 100 bytes over four 64-byte descriptors fills the first two.
func TestWriteFillsDescriptors(t *testing.T) {
	e := testutil.NewEnv(t, true)
	sink := &coproc.Sink{}
	e.CP.Attach(5, sink)

	done := make(chan struct{}, 1)
	cd := e.Open(t, 5,
		sdma.SetBufferCount(4),
		sdma.SetBufferSize(64),
		sdma.SetCallback(func(ctx context.Context, cd *sdma.ChannelDescriptor, arg any) {
			done <- arg.(struct{})
		}, struct{}{}),
		sdma.SetSyncMode(sdma.SyncCallback),
	)

	payload := testutil.Pattern(100)
	n, err := e.Reg.Write(context.Background(), cd, payload)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	snap := cd.ControlBlock().Ring().Snapshot()
	assert.Equal(t, uint16(64), snap[0].Count)
	assert.Equal(t, uint16(36), snap[1].Count)
	assert.True(t, snap[0].Owned())
	assert.True(t, snap[1].Owned())
	assert.False(t, snap[2].Owned())
	assert.False(t, snap[3].Owned())
	assert.Equal(t, sdma.StateExecuting, e.Reg.State(5))

	require.True(t, e.CP.Step(5))
	<-done
	c, err := e.Reg.WaitCompletion(context.Background(), cd)
	require.NoError(t, err)
	assert.Equal(t, sdma.DirWrite, c.Dir)
	assert.NoError(t, c.Err)

	assert.Equal(t, payload, sink.Bytes())
	assert.Equal(t, []int{64, 36}, sink.Chunks())
	assert.Zero(t, cd.ControlBlock().Ring().Count(descriptor.StatusDone))
	assert.Equal(t, sdma.StateIdle, e.Reg.State(5))
}

// Read stops at the descriptor the peripheral marked LAST.
func TestReadStopsAtLast(t *testing.T) {
	e := testutil.NewEnv(t, false)
	payload := testutil.Pattern(138)
	e.CP.Attach(5, coproc.NewSource(payload, 64))
	cd := e.Open(t, 5, sdma.SetBufferCount(4))

	buf := make([]byte, 200)
	n, err := e.Reg.Read(context.Background(), cd, buf)
	require.NoError(t, err)
	assert.Equal(t, 3*64, n)
	assert.Equal(t, payload, buf[:138])

	snap := cd.ControlBlock().Ring().Snapshot()
	assert.True(t, snap[2].Status.Has(descriptor.StatusLast))
	assert.Equal(t, uint16(10), snap[2].Count)

	total, err := e.Reg.GetCountAll(cd)
	require.NoError(t, err)
	assert.Equal(t, uint32(138), total)

	count, err := e.Reg.GetCount(cd)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), count)
}

func TestCloseWhileOwned(t *testing.T) {
	e := testutil.NewEnv(t, true)
	cd := e.Open(t, 5, sdma.SetBufferCount(4))
	allocated := e.Host.Arena().Allocated()
	rg := cd.ControlBlock().Ring()

	rg.SetBits(1, descriptor.StatusDone)
	err := e.Reg.Close(context.Background(), cd)
	require.ErrorIs(t, err, sdma.ErrCloseFailed)
	assert.Equal(t, int32(-(int32(sdma.KindCloseFailed) | 5)), sdma.CodeOf(err))
	assert.Equal(t, allocated, e.Host.Arena().Allocated())
	assert.NotNil(t, cd.ControlBlock().Ring())
	assert.Equal(t, sdma.StateIdle, e.Reg.State(5))

	rg.ClearBits(1, descriptor.StatusDone)
	require.NoError(t, e.Reg.Reconfigure(context.Background(), cd, sdma.SetForceClose(true)))
	rg.SetBits(1, descriptor.StatusDone)

	require.NoError(t, e.Reg.Close(context.Background(), cd))
	ccb := e.Reg.ControlBlock(5)
	assert.Nil(t, ccb.Ring())
	assert.Nil(t, ccb.Descriptor())
	assert.Equal(t, sdma.StateClosed, ccb.State())
	assert.Less(t, e.Host.Arena().Allocated(), allocated)

	_, err = e.Reg.Write(context.Background(), cd, []byte{1})
	assert.ErrorIs(t, err, sdma.ErrChannelUninitialized)

	_, err = e.Reg.Open(context.Background(), 5)
	assert.NoError(t, err)
}

func TestCloseFreesBuffers(t *testing.T) {
	e := testutil.NewEnv(t, false)
	before := e.Host.Arena().Allocated()

	cd := e.Open(t, 8, sdma.SetBufferCount(8), sdma.SetBufferSize(512))
	// ring plus one buffer per descriptor
	assert.Equal(t, before+9, e.Host.Arena().Allocated())
	assert.LessOrEqual(t, e.Host.Arena().Available(), e.Host.Arena().Size()-8*512)

	allocs, frees := e.Ops.Allocs(), e.Ops.Frees()
	require.NoError(t, e.Reg.Close(context.Background(), cd))
	assert.Equal(t, before, e.Host.Arena().Allocated())
	assert.Equal(t, allocs, e.Ops.Allocs())
	assert.Equal(t, frees+9, e.Ops.Frees())
}

func TestGranularityCheck(t *testing.T) {
	e := testutil.NewEnv(t, true)
	cd := e.Open(t, 6, sdma.SetBufferCount(3), sdma.SetDataSize(sdma.Transfer16))
	rg := cd.ControlBlock().Ring()
	before := rg.Snapshot()

	_, err := e.Reg.Write(context.Background(), cd, make([]byte, 33))
	assert.ErrorIs(t, err, sdma.ErrInvalidParameter)
	_, err = e.Reg.Read(context.Background(), cd, make([]byte, 33))
	assert.ErrorIs(t, err, sdma.ErrInvalidParameter)

	assert.Equal(t, before, rg.Snapshot())
	assert.False(t, e.CP.Running(6))
	assert.Equal(t, sdma.StateIdle, e.Reg.State(6))
}

func TestGranularityChecksDescriptorCounts(t *testing.T) {
	e := testutil.NewEnv(t, false)
	cd := e.Open(t, 6, sdma.SetBufferSize(63), sdma.SetDataSize(sdma.Transfer32))

	_, err := e.Reg.Write(context.Background(), cd, make([]byte, 8))
	assert.ErrorIs(t, err, sdma.ErrInvalidParameter)
}

func TestLoopbackPolling(t *testing.T) {
	e := testutil.NewEnv(t, false)
	loop := &coproc.Loopback{}
	e.CP.Attach(1, loop)
	e.CP.Attach(2, loop)

	tx := e.Open(t, 1, sdma.SetBufferCount(4))
	rx := e.Open(t, 2, sdma.SetBufferCount(4))

	payload := testutil.Pattern(100)
	n, err := e.Reg.Write(context.Background(), tx, payload)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, 100, loop.Buffered())

	buf := make([]byte, 100)
	n, err = e.Reg.Read(context.Background(), rx, buf)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, payload, buf)
}

func TestWriteDoesNotWrap(t *testing.T) {
	e := testutil.NewEnv(t, false)
	sink := &coproc.Sink{}
	e.CP.Attach(3, sink)
	cd := e.Open(t, 3, sdma.SetBufferCount(2), sdma.SetBufferSize(16))

	n, err := e.Reg.Write(context.Background(), cd, testutil.Pattern(40))
	require.NoError(t, err)
	assert.Equal(t, 32, n)
	assert.Equal(t, testutil.Pattern(40)[:32], sink.Bytes())
}

func TestWriteTransportError(t *testing.T) {
	e := testutil.NewEnv(t, false)
	e.CP.Attach(3, &coproc.Fault{After: 1})
	cd := e.Open(t, 3, sdma.SetBufferCount(2), sdma.SetBufferSize(16))

	_, err := e.Reg.Write(context.Background(), cd, testutil.Pattern(32))
	require.ErrorIs(t, err, sdma.ErrErrorBitSet)
	var se *sdma.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Detail)

	mask, err := e.Reg.GetError(cd)
	require.NoError(t, err)
	assert.Equal(t, sdma.ErrorDescriptor|sdma.ErrorData, mask)
}

func TestMemcopy(t *testing.T) {
	e := testutil.NewEnv(t, false)
	src := e.Alloc(t, testutil.Pattern(48))
	dst := e.Alloc(t, make([]byte, 48))

	untrusted := e.Open(t, 10)
	err := e.Reg.Memcopy(context.Background(), untrusted, dst, src, 48)
	assert.ErrorIs(t, err, sdma.ErrInvalidParameter)

	cd := e.Open(t, 11, sdma.SetTrust(true))
	require.NoError(t, e.Reg.Memcopy(context.Background(), cd, dst, src, 48))
	assert.Equal(t, testutil.Pattern(48), dst.Bytes()[:48])

	assert.ErrorIs(t, e.Reg.Memcopy(context.Background(), cd, dst, src, 0), sdma.ErrInvalidParameter)
	assert.ErrorIs(t, e.Reg.Memcopy(context.Background(), cd, dst, src, 1<<16), sdma.ErrInvalidParameter)
	assert.ErrorIs(t, e.Reg.Memcopy(context.Background(), cd, nil, src, 8), sdma.ErrInvalidParameter)
}

func TestTrustedReadUsesCallerBuffers(t *testing.T) {
	e := testutil.NewEnv(t, false)
	e.CP.Attach(12, coproc.NewSource([]byte("trusted payload"), 0))
	cd := e.Open(t, 12, sdma.SetTrust(true), sdma.SetBufferCount(1))
	own := e.Alloc(t, make([]byte, 32))

	_, err := e.Reg.Read(context.Background(), cd, make([]byte, 32))
	assert.ErrorIs(t, err, sdma.ErrInvalidParameter)

	ctx := context.Background()
	require.NoError(t, e.Reg.ReconfigureDescriptor(ctx, cd, 0, sdma.DescriptorBuffer(own)))
	require.NoError(t, e.Reg.ReconfigureDescriptor(ctx, cd, 0, sdma.DescriptorCount(32)))

	buf := make([]byte, 32)
	n, err := e.Reg.Read(ctx, cd, buf)
	require.NoError(t, err)
	assert.Equal(t, len("trusted payload"), n)
	assert.Equal(t, "trusted payload", string(buf[:n]))
	assert.Equal(t, "trusted payload", string(own.Bytes()[:n]))
}

func TestNonBlockingBusy(t *testing.T) {
	e := testutil.NewEnv(t, true)
	cd := e.Open(t, 7,
		sdma.SetBlocking(sdma.NonBlocking),
		sdma.SetCallback(func(context.Context, *sdma.ChannelDescriptor, any) {}, nil),
		sdma.SetSyncMode(sdma.SyncCallback),
	)

	_, err := e.Reg.Write(context.Background(), cd, []byte("x"))
	require.NoError(t, err)

	_, err = e.Reg.Write(context.Background(), cd, []byte("y"))
	assert.ErrorIs(t, err, sdma.ErrChannelBusy)

	e.CP.Step(7)
	_, err = e.Reg.WaitCompletion(context.Background(), cd)
	require.NoError(t, err)
	_, err = e.Reg.Drain(context.Background(), cd, make([]byte, 1))
	assert.NoError(t, err)
}

func TestCallbackModeRequiresCallback(t *testing.T) {
	e := testutil.NewEnv(t, true)
	cd := e.Open(t, 7)
	err := e.Reg.Reconfigure(context.Background(), cd, sdma.SetSyncMode(sdma.SyncCallback))
	assert.ErrorIs(t, err, sdma.ErrInvalidParameter)

	err = e.Reg.Reconfigure(context.Background(), e.CD0, sdma.SetSyncMode(sdma.SyncCallback))
	assert.ErrorIs(t, err, sdma.ErrInvalidParameter)
}

func TestStartStop(t *testing.T) {
	e := testutil.NewEnv(t, true)
	e.Open(t, 14)

	require.NoError(t, e.Reg.Start(14))
	assert.Equal(t, sdma.StateExecuting, e.Reg.State(14))
	assert.True(t, e.CP.Running(14))

	require.NoError(t, e.Reg.Stop(14))
	assert.Equal(t, sdma.StateIdle, e.Reg.State(14))
	assert.False(t, e.CP.Running(14))

	assert.ErrorIs(t, e.Reg.Start(15), sdma.ErrBufferUninitialized)
	assert.ErrorIs(t, e.Reg.Synchronize(context.Background(), 40), sdma.ErrInvalidParameter)
}

func TestOpenAllocationFailure(t *testing.T) {
	e := testutil.NewEnv(t, false)
	before := e.Host.Arena().Allocated()

	e.Ops.FailAllocAfter(0)
	_, err := e.Reg.Open(context.Background(), 4)
	assert.ErrorIs(t, err, sdma.ErrBufferAllocationFailed)
	assert.ErrorIs(t, err, testutil.ErrFakeAlloc)

	e.Ops.FailAllocAfter(1)
	_, err = e.Reg.Open(context.Background(), 4)
	assert.ErrorIs(t, err, sdma.ErrAllocationFailed)
	assert.Equal(t, before, e.Host.Arena().Allocated())
	assert.Nil(t, e.Reg.Descriptor(4))

	e.Ops.AllowAlloc()
	cd, err := e.Reg.Open(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, sdma.StateIdle, e.Reg.State(4))

	_, err = e.Reg.Write(context.Background(), cd, []byte("ok"))
	require.NoError(t, err)
	assert.Positive(t, e.Ops.Wakes(4))
}
