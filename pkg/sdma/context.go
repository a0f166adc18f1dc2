package sdma

import (
	"encoding/binary"
	"fmt"

	"github.com/emergingrobotics/go-sdma/pkg/descriptor"
)

// ContextState holds the two packed state words of a channel context.
type ContextState struct {
	PC  uint16 // program counter, 14 bits
	T   bool   // test bit
	RPC uint16 // return program counter, 14 bits
	SF  bool   // source fault
	SPC uint16 // loop start program counter, 14 bits
	DF  bool   // destination fault
	EPC uint16 // loop end program counter, 14 bits
	LM  uint8  // loop mode, 2 bits
}

const pcMask = 0x3fff

func (s ContextState) words() (uint32, uint32) {
	w0 := uint32(s.PC&pcMask) | uint32(s.RPC&pcMask)<<16
	if s.T {
		w0 |= 1 << 15
	}
	if s.SF {
		w0 |= 1 << 31
	}
	w1 := uint32(s.SPC&pcMask) | uint32(s.EPC&pcMask)<<16 | uint32(s.LM&0x3)<<30
	if s.DF {
		w1 |= 1 << 15
	}
	return w0, w1
}

func stateFromWords(w0, w1 uint32) ContextState {
	return ContextState{
		PC:  uint16(w0 & pcMask),
		T:   w0&(1<<15) != 0,
		RPC: uint16(w0>>16) & pcMask,
		SF:  w0&(1<<31) != 0,
		SPC: uint16(w1 & pcMask),
		DF:  w1&(1<<15) != 0,
		EPC: uint16(w1>>16) & pcMask,
		LM:  uint8(w1>>30) & 0x3,
	}
}

// Context is the execution context the co-processor keeps per channel.
type Context struct {
	State ContextState
	GReg  [8]uint32

	// functional unit registers
	MDA, MSA, MS, MD uint32
	PDA, PSA, PS, PD uint32
	CA, CS           uint32
	DDA, DSA, DS, DD uint32

	Scratch [8]uint32
}

// General register slots written by AssignScript
const (
	RegEventMask2       = 0
	RegEventMask1       = 1
	RegPeripheralAddr   = 2
	RegSharedPeriphAddr = 6
	RegWatermark        = 7
)

// Words returns the context as laid out in co-processor data memory.
func (c *Context) Words() [descriptor.ContextWords]uint32 {
	var w [descriptor.ContextWords]uint32
	w[0], w[1] = c.State.words()
	copy(w[2:10], c.GReg[:])
	fu := [14]uint32{
		c.MDA, c.MSA, c.MS, c.MD,
		c.PDA, c.PSA, c.PS, c.PD,
		c.CA, c.CS,
		c.DDA, c.DSA, c.DS, c.DD,
	}
	copy(w[10:24], fu[:])
	copy(w[24:], c.Scratch[:])
	return w
}

// ContextFromWords is the inverse of Words.
func ContextFromWords(w [descriptor.ContextWords]uint32) Context {
	c := Context{State: stateFromWords(w[0], w[1])}
	copy(c.GReg[:], w[2:10])
	c.MDA, c.MSA, c.MS, c.MD = w[10], w[11], w[12], w[13]
	c.PDA, c.PSA, c.PS, c.PD = w[14], w[15], w[16], w[17]
	c.CA, c.CS = w[18], w[19]
	c.DDA, c.DSA, c.DS, c.DD = w[20], w[21], w[22], w[23]
	copy(c.Scratch[:], w[24:])
	return c
}

// MarshalTo encodes the context little-endian into b.
func (c *Context) MarshalTo(b []byte) error {
	if len(b) < descriptor.ContextSize {
		return fmt.Errorf("context needs %d bytes, have %d", descriptor.ContextSize, len(b))
	}
	for i, v := range c.Words() {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return nil
}

// UnmarshalContext decodes a little-endian context.
func UnmarshalContext(b []byte) (Context, error) {
	if len(b) < descriptor.ContextSize {
		return Context{}, fmt.Errorf("context needs %d bytes, have %d", descriptor.ContextSize, len(b))
	}
	var w [descriptor.ContextWords]uint32
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return ContextFromWords(w), nil
}
