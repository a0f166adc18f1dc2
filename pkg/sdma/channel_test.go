package sdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelRegister(t *testing.T) {
	tests := []struct {
		priority uint8
		own      Ownership
		reg      uint32
	}{
		{1, Ownership{Host: true}, 0x11},
		{7, Ownership{Event: true, DSP: true}, 0x2f},
		{0, Ownership{}, 0},
		{3, Ownership{Event: true, Host: true, DSP: true}, 0x3b},
	}
	for _, tt := range tests {
		reg := PackChannelRegister(tt.priority, tt.own)
		assert.Equal(t, tt.reg, reg)

		p, own := UnpackChannelRegister(reg)
		assert.Equal(t, tt.priority, p)
		assert.Equal(t, tt.own, own)
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultChannelConfig().Validate())

	tests := map[string]func(c *ChannelConfig){
		"zero buffers":  func(c *ChannelConfig) { c.BufferCount = 0 },
		"256 buffers":   func(c *ChannelConfig) { c.BufferCount = MaxBufferCount },
		"65536 bytes":   func(c *ChannelConfig) { c.BufferSize = MaxBufferSize },
		"priority 8":    func(c *ChannelConfig) { c.Priority = 8 },
		"sync mode":     func(c *ChannelConfig) { c.SyncMode = 9 },
		"blocking":      func(c *ChannelConfig) { c.Blocking = -1 },
		"watermark":     func(c *ChannelConfig) { c.Watermark = MaxWatermark },
		"transfer size": func(c *ChannelConfig) { c.DataSize = 5 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := DefaultChannelConfig()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestStateTransitions(t *testing.T) {
	var ccb ControlBlock
	assert.Equal(t, StateUninitialized, ccb.State())
	assert.Error(t, ccb.setState(StateExecuting))

	require.NoError(t, ccb.setState(StateIdle))
	require.NoError(t, ccb.setState(StateExecuting))
	assert.True(t, ccb.State().Opened())
	assert.ErrorIs(t, ccb.setState(StateExecuting), ErrChannelUninitialized)
	require.NoError(t, ccb.setState(StateClosed))
	assert.False(t, ccb.State().Opened())
	require.NoError(t, ccb.setState(StateIdle))
}

func TestContextWords(t *testing.T) {
	c := Context{
		State: ContextState{PC: 0x1234, T: true, RPC: 0x0abc, SF: true, SPC: 0x10, DF: true, EPC: 0x20, LM: 2},
		MDA:   0x11, DD: 0x22,
	}
	c.GReg[RegWatermark] = 64
	c.Scratch[7] = 0xdead

	w := c.Words()
	assert.Equal(t, uint32(0x1234|1<<15|0x0abc<<16|1<<31), w[0])
	assert.Equal(t, uint32(0x10|1<<15|0x20<<16|2<<30), w[1])
	assert.Equal(t, uint32(64), w[2+RegWatermark])
	assert.Equal(t, uint32(0x11), w[10])
	assert.Equal(t, uint32(0x22), w[23])
	assert.Equal(t, uint32(0xdead), w[31])

	b := make([]byte, 128)
	require.NoError(t, c.MarshalTo(b))
	got, err := UnmarshalContext(b)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = UnmarshalContext(b[:100])
	assert.Error(t, err)
}
