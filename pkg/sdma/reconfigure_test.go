package sdma_test

import (
	"context"
	"testing"

	"github.com/emergingrobotics/go-sdma/pkg/descriptor"
	"github.com/emergingrobotics/go-sdma/pkg/sdma"
	"github.com/emergingrobotics/go-sdma/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allChanges() []sdma.Change {
	return []sdma.Change{
		sdma.SetBufferCount(8),
		sdma.SetBufferSize(128),
		sdma.SetBlocking(sdma.NonBlocking),
		sdma.SetSyncMode(sdma.SyncPoll),
		sdma.SetOwnership(sdma.Ownership{Event: true}),
		sdma.SetPriority(3),
		sdma.SetTrust(true),
		sdma.SetWatermark(32),
		sdma.SetCallback(func(context.Context, *sdma.ChannelDescriptor, any) {}, nil),
		sdma.SetWrap(false),
		sdma.SetChannelNumber(9),
		sdma.SetForceClose(true),
		sdma.SetDataSize(sdma.Transfer16),
		sdma.ClearDataSize(),
		sdma.SetEventMask1(1),
		sdma.SetEventMask2(2),
		sdma.SetPeripheralAddress(0x1000, 0x2000),
		sdma.SetScriptID(4),
	}
}

func TestReconfigureGuard(t *testing.T) {
	e := testutil.NewEnv(t, true)
	cd := e.Open(t, 5, sdma.SetBufferCount(4))
	rg := cd.ControlBlock().Ring()
	rg.SetBits(2, descriptor.StatusDone)

	for _, c := range allChanges() {
		err := e.Reg.Reconfigure(context.Background(), cd, c)
		assert.ErrorIs(t, err, sdma.ErrChannelInUse, c.Field())
	}
	err := e.Reg.ReconfigureDescriptor(context.Background(), cd, 0, sdma.DescriptorCount(1))
	assert.ErrorIs(t, err, sdma.ErrChannelInUse)

	assert.Equal(t, sdma.DefaultChannelConfig().BufferSize, cd.Config().BufferSize)
	assert.Equal(t, 4, rg.Len())
}

func TestReconfigureFields(t *testing.T) {
	e := testutil.NewEnv(t, true)
	cd := e.Open(t, 5)
	ctx := context.Background()

	for _, c := range allChanges() {
		err := e.Reg.Reconfigure(ctx, cd, c)
		if c.Field() == "channel number" {
			assert.ErrorIs(t, err, sdma.ErrChangeNotAllowed)
			continue
		}
		assert.NoError(t, err, c.Field())
	}

	cfg := cd.Config()
	assert.Equal(t, 5, cd.Channel())
	assert.Equal(t, 8, cfg.BufferCount)
	assert.Equal(t, 128, cfg.BufferSize)
	assert.Equal(t, sdma.NonBlocking, cfg.Blocking)
	assert.Equal(t, sdma.Ownership{Event: true}, cfg.Ownership)
	assert.Equal(t, uint8(3), cfg.Priority)
	assert.True(t, cfg.Trust)
	assert.Equal(t, uint32(32), cfg.Watermark)
	assert.True(t, cfg.ForceClose)
	assert.False(t, cfg.UseDataSize)
	assert.Equal(t, sdma.Transfer16, cfg.DataSize)
	assert.Equal(t, uint32(0x1000), cfg.PeripheralAddr)
	assert.Equal(t, uint32(0x2000), cfg.SharedPeripheralAddr)
	assert.Equal(t, uint32(4), cfg.ScriptID)

	assert.Equal(t, sdma.PackChannelRegister(3, sdma.Ownership{Event: true}), e.CP.Register(5))
	m1, m2 := e.CP.EventMasks(5)
	assert.Equal(t, uint32(1), m1)
	assert.Equal(t, uint32(2), m2)
	assert.False(t, cd.ControlBlock().Ring().Circular())
}

func TestReconfigureBounds(t *testing.T) {
	e := testutil.NewEnv(t, true)
	cd := e.Open(t, 5)

	bad := []sdma.Change{
		sdma.SetBufferCount(0),
		sdma.SetBufferCount(256),
		sdma.SetBufferSize(0),
		sdma.SetBufferSize(65536),
		sdma.SetBlocking(7),
		sdma.SetSyncMode(7),
		sdma.SetPriority(8),
		sdma.SetWatermark(65536),
		sdma.SetCallback(nil, nil),
		sdma.SetDataSize(0),
	}
	for _, c := range bad {
		err := e.Reg.Reconfigure(context.Background(), cd, c)
		assert.ErrorIs(t, err, sdma.ErrInvalidParameter, c.Field())
	}
	assert.Equal(t, sdma.DefaultChannelConfig(), cd.Config())

	err := e.Reg.Reconfigure(context.Background(), e.CD0, sdma.SetOwnership(sdma.Ownership{DSP: true}))
	assert.ErrorIs(t, err, sdma.ErrInvalidParameter)
	assert.ErrorIs(t, e.Reg.Reconfigure(context.Background(), cd, nil), sdma.ErrInvalidParameter)
}

func TestBufferCountReallocates(t *testing.T) {
	e := testutil.NewEnv(t, true)
	cd := e.Open(t, 5)
	before := e.Host.Arena().Allocated()

	require.NoError(t, e.Reg.Reconfigure(context.Background(), cd, sdma.SetBufferCount(4)))
	rg := cd.ControlBlock().Ring()
	assert.Equal(t, 4, rg.Len())
	assert.True(t, rg.Circular())
	assert.Greater(t, e.Host.Arena().Allocated(), before)

	require.NoError(t, e.Reg.Reconfigure(context.Background(), cd, sdma.SetBufferCount(1)))
	assert.Equal(t, before, e.Host.Arena().Allocated())
}

func TestTrustTransitions(t *testing.T) {
	e := testutil.NewEnv(t, true)
	cd := e.Open(t, 5, sdma.SetBufferCount(2))
	ctx := context.Background()
	addr := cd.ControlBlock().Ring().At(0).BufferAddr
	require.NotZero(t, addr)

	require.NoError(t, e.Reg.Reconfigure(ctx, cd, sdma.SetTrust(true)))
	assert.Equal(t, addr, cd.ControlBlock().Ring().At(0).BufferAddr)

	require.NoError(t, e.Reg.Reconfigure(ctx, cd, sdma.SetBufferCount(2)))
	assert.Zero(t, cd.ControlBlock().Ring().At(0).BufferAddr)

	require.NoError(t, e.Reg.Reconfigure(ctx, cd, sdma.SetTrust(false)))
	assert.NotZero(t, cd.ControlBlock().Ring().At(0).BufferAddr)
	assert.Equal(t, uint16(64), cd.ControlBlock().Ring().At(1).Count)
}

func TestWrapOnlyTouchesTail(t *testing.T) {
	e := testutil.NewEnv(t, true)
	cd := e.Open(t, 5, sdma.SetBufferCount(3))
	rg := cd.ControlBlock().Ring()

	require.NoError(t, e.Reg.Reconfigure(context.Background(), cd, sdma.SetWrap(false)))
	assert.Zero(t, rg.Count(descriptor.StatusWrap))

	require.NoError(t, e.Reg.Reconfigure(context.Background(), cd, sdma.SetWrap(true)))
	assert.Equal(t, 1, rg.Count(descriptor.StatusWrap))
	assert.True(t, rg.Status(2).Has(descriptor.StatusWrap))
}

func TestReconfigureDescriptor(t *testing.T) {
	e := testutil.NewEnv(t, true)
	cd := e.Open(t, 5, sdma.SetBufferCount(2))
	ctx := context.Background()
	buf := e.Alloc(t, make([]byte, 16))

	changes := []sdma.DescriptorChange{
		sdma.DescriptorBuffer(buf),
		sdma.DescriptorExtBuffer(0xabc0),
		sdma.DescriptorCount(16),
		sdma.DescriptorCommand(0x1f),
		sdma.DescriptorLast(true),
		sdma.DescriptorInterrupt(true),
	}
	for _, c := range changes {
		require.NoError(t, e.Reg.ReconfigureDescriptor(ctx, cd, 0, c))
	}

	bd := cd.ControlBlock().Ring().At(0)
	assert.Equal(t, uint32(buf.PhysAddr()), bd.BufferAddr)
	assert.Equal(t, uint32(0xabc0), bd.ExtBufferAddr)
	assert.Equal(t, uint16(16), bd.Count)
	assert.Equal(t, descriptor.Command(0x1f), bd.Command)
	assert.True(t, bd.Status.Has(descriptor.StatusLast|descriptor.StatusIntr|descriptor.StatusCont))

	require.NoError(t, e.Reg.ReconfigureDescriptor(ctx, cd, 0, sdma.DescriptorLast(false)))
	assert.False(t, cd.ControlBlock().Ring().Status(0).Has(descriptor.StatusLast))

	assert.ErrorIs(t, e.Reg.ReconfigureDescriptor(ctx, cd, 2, sdma.DescriptorCount(1)), sdma.ErrInvalidParameter)
	assert.ErrorIs(t, e.Reg.ReconfigureDescriptor(ctx, cd, 0, sdma.DescriptorCount(1<<16)), sdma.ErrInvalidParameter)
	assert.ErrorIs(t, e.Reg.ReconfigureDescriptor(ctx, cd, 0, sdma.DescriptorStatus(descriptor.StatusDone)), sdma.ErrInvalidParameter)
	assert.ErrorIs(t, e.Reg.ReconfigureDescriptor(ctx, cd, 0, sdma.DescriptorBuffer(nil)), sdma.ErrInvalidParameter)
}
