package sdma

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/emergingrobotics/go-sdma/pkg/platform"
	"github.com/emergingrobotics/go-sdma/pkg/ring"
)

// MaxChannels is the number of virtual channels.
const MaxChannels = platform.MaxChannels

// Configuration bounds
const (
	MaxBufferCount = 256
	MaxBufferSize  = 65536
	MaxPriority    = 7
	MaxWatermark   = 65536
)

// SyncMode selects how a caller learns that a transfer finished.
type SyncMode int

const (
	// SyncPoll makes Read/Write wait for completion before returning.
	SyncPoll SyncMode = iota
	// SyncCallback returns after starting the channel; completion is
	// reported to the channel callback from interrupt context.
	SyncCallback
)

func (m SyncMode) String() string {
	switch m {
	case SyncPoll:
		return "poll"
	case SyncCallback:
		return "callback"
	}
	return fmt.Sprintf("SyncMode(%d)", int(m))
}

// Blocking selects what happens when the channel lock is held.
type Blocking int

const (
	// Wait for the lock.
	Wait Blocking = iota
	// NonBlocking fails with ErrChannelBusy instead of waiting.
	NonBlocking
)

func (b Blocking) String() string {
	switch b {
	case Wait:
		return "blocking"
	case NonBlocking:
		return "non-blocking"
	}
	return fmt.Sprintf("Blocking(%d)", int(b))
}

// TransferSize is the data granularity of a channel in bytes.
type TransferSize int

// Transfer sizes
const (
	Transfer8  TransferSize = 1
	Transfer16 TransferSize = 2
	Transfer24 TransferSize = 3
	Transfer32 TransferSize = 4
)

func (s TransferSize) valid() bool {
	return s >= Transfer8 && s <= Transfer32
}

// Ownership says which agents may trigger the channel.
type Ownership struct {
	Event bool
	Host  bool
	DSP   bool
}

// ChannelConfig is the configuration of one channel. It doubles as the
// process-wide defaults template copied into every new channel.
type ChannelConfig struct {
	BufferCount          int
	BufferSize           int
	Blocking             Blocking
	SyncMode             SyncMode
	Ownership            Ownership
	Priority             uint8
	Trust                bool
	UseDataSize          bool
	DataSize             TransferSize
	ForceClose           bool
	ScriptID             uint32
	Watermark            uint32
	EventMask1           uint32
	EventMask2           uint32
	PeripheralAddr       uint32
	SharedPeripheralAddr uint32
}

// DefaultChannelConfig returns the built-in defaults template.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		BufferCount: 1,
		BufferSize:  64,
		Blocking:    Wait,
		SyncMode:    SyncPoll,
		Ownership:   Ownership{Host: true},
		Priority:    1,
		DataSize:    Transfer8,
	}
}

// Validate checks every field against the bounds enforced by Reconfigure.
func (c ChannelConfig) Validate() error {
	switch {
	case c.BufferCount <= 0 || c.BufferCount >= MaxBufferCount:
		return fmt.Errorf("buffer count %d out of range [1,%d)", c.BufferCount, MaxBufferCount)
	case c.BufferSize <= 0 || c.BufferSize >= MaxBufferSize:
		return fmt.Errorf("buffer size %d out of range [1,%d)", c.BufferSize, MaxBufferSize)
	case c.Blocking != Wait && c.Blocking != NonBlocking:
		return fmt.Errorf("invalid blocking policy %d", c.Blocking)
	case c.SyncMode != SyncPoll && c.SyncMode != SyncCallback:
		return fmt.Errorf("invalid sync mode %d", c.SyncMode)
	case c.Priority > MaxPriority:
		return fmt.Errorf("priority %d out of range [0,%d]", c.Priority, MaxPriority)
	case c.Watermark >= MaxWatermark:
		return fmt.Errorf("watermark %d out of range [0,%d)", c.Watermark, MaxWatermark)
	case !c.DataSize.valid():
		return fmt.Errorf("invalid data size %d", c.DataSize)
	}
	return nil
}

// PackChannelRegister lays out the channel enable register written to the
// co-processor: priority in bits 0..2, then event, host and DSP ownership.
func PackChannelRegister(priority uint8, own Ownership) uint32 {
	w := uint32(priority & MaxPriority)
	if own.Event {
		w |= 1 << 3
	}
	if own.Host {
		w |= 1 << 4
	}
	if own.DSP {
		w |= 1 << 5
	}
	return w
}

// UnpackChannelRegister is the inverse of PackChannelRegister.
func UnpackChannelRegister(w uint32) (uint8, Ownership) {
	return uint8(w & MaxPriority), Ownership{
		Event: w&(1<<3) != 0,
		Host:  w&(1<<4) != 0,
		DSP:   w&(1<<5) != 0,
	}
}

// Callback is invoked from interrupt context when a callback-mode channel
// completes. The channel lock has already been released.
type Callback func(ctx context.Context, cd *ChannelDescriptor, arg any)

// ChannelDescriptor is the handle of one opened channel. Its configuration
// only changes through Registry.Reconfigure.
type ChannelDescriptor struct {
	channel  int
	cfg      ChannelConfig
	callback Callback
	userArg  any
	ccb      *ControlBlock
}

// Channel returns the channel number
func (cd *ChannelDescriptor) Channel() int {
	return cd.channel
}

// Config returns a copy of the channel configuration
func (cd *ChannelDescriptor) Config() ChannelConfig {
	return cd.cfg
}

// ControlBlock returns the runtime state of the channel
func (cd *ChannelDescriptor) ControlBlock() *ControlBlock {
	return cd.ccb
}

// State is the lifecycle state of a channel.
type State int32

// Channel states
const (
	StateUninitialized State = iota
	StateIdle
	StateExecuting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Opened reports whether the state belongs to an open channel.
func (s State) Opened() bool {
	return s == StateIdle || s == StateExecuting
}

var transitions = map[State][]State{
	StateUninitialized: {StateIdle},
	StateIdle:          {StateExecuting, StateClosed, StateIdle},
	StateExecuting:     {StateIdle, StateClosed},
	StateClosed:        {StateIdle},
}

func validTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Direction of the transfer running on a channel.
type Direction int

// Transfer directions
const (
	DirNone Direction = iota
	DirRead
	DirWrite
	DirMemCopy
	DirControl
)

func (d Direction) String() string {
	switch d {
	case DirNone:
		return "none"
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	case DirMemCopy:
		return "memcopy"
	case DirControl:
		return "control"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// ControlBlock is the runtime state of one channel slot.
type ControlBlock struct {
	channel int
	state   atomic.Int32

	ring    *ring.Ring
	ringMem platform.Mem
	// buffers holds the engine-owned payload buffers, one per descriptor.
	// It is nil when the ring was initialized in trust mode.
	buffers []platform.Mem
	current int
	dir     Direction

	cd        *ChannelDescriptor
	dataError bool
}

// Channel returns the slot number
func (ccb *ControlBlock) Channel() int {
	return ccb.channel
}

// State returns the lifecycle state
func (ccb *ControlBlock) State() State {
	return State(ccb.state.Load())
}

// Ring returns the descriptor ring, nil once closed
func (ccb *ControlBlock) Ring() *ring.Ring {
	return ccb.ring
}

// Current returns the transfer cursor
func (ccb *ControlBlock) Current() int {
	return ccb.current
}

// Direction returns the direction of the last started transfer
func (ccb *ControlBlock) Direction() Direction {
	return ccb.dir
}

// Descriptor returns the channel descriptor, nil once closed
func (ccb *ControlBlock) Descriptor() *ChannelDescriptor {
	return ccb.cd
}

func (ccb *ControlBlock) setState(to State) error {
	from := ccb.State()
	if !validTransition(from, to) {
		return newError(KindChannelUninitialized, ccb.channel,
			fmt.Sprintf("invalid transition %s -> %s", from, to))
	}
	ccb.state.Store(int32(to))
	return nil
}

func (ccb *ControlBlock) reset() {
	ccb.ring = nil
	ccb.ringMem = nil
	ccb.buffers = nil
	ccb.current = 0
	ccb.dir = DirNone
	ccb.cd = nil
	ccb.dataError = false
}
