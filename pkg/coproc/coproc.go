// Package coproc simulates the DMA co-processor behind an sdma.Registry:
// channel rings are walked from the published cursor, channel 0 commands
// move data between host memory and the co-processor memories, and every
// finished walk raises the channel's pending-interrupt bit.
package coproc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emergingrobotics/go-sdma/pkg/descriptor"
	"github.com/emergingrobotics/go-sdma/pkg/ring"
	"github.com/emergingrobotics/go-sdma/pkg/sdma"
	"github.com/sirupsen/logrus"
)

// Memory translates bus addresses into host memory.
type Memory interface {
	PhysToVirt(addr uint64, size int) ([]byte, error)
}

// Config sizes the simulated co-processor.
type Config struct {
	// ProgramWords is the size of program memory in 16-bit words.
	ProgramWords int
	// DataWords is the size of data memory in 32-bit words.
	DataWords int
	// Latency delays each ring walk in automatic mode.
	Latency time.Duration
	// Manual disables automatic processing; channels run on Step.
	Manual bool
}

// DefaultConfig returns a configuration large enough for 32 contexts.
func DefaultConfig() Config {
	return Config{
		ProgramWords: 8192,
		DataWords:    4096,
	}
}

var errBounds = errors.New("co-processor memory access out of bounds")

type channelState struct {
	ptr        sdma.ChannelPointer
	reg        uint32
	mask1      uint32
	mask2      uint32
	running    bool
	peripheral Peripheral
}

// CoProcessor is a simulated co-processor. It implements sdma.Controller.
type CoProcessor struct {
	mem Memory
	cfg Config
	log logrus.FieldLogger

	mu      sync.Mutex
	program []uint16
	data    []uint32
	ch      [sdma.MaxChannels]channelState

	pending atomic.Uint32
	irq     atomic.Pointer[func()]
	wg      sync.WaitGroup
}

// Option configures a CoProcessor
type Option func(*CoProcessor)

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *CoProcessor) {
		c.log = l
	}
}

// New creates a co-processor reading rings and buffers through mem.
func New(mem Memory, cfg Config, opts ...Option) *CoProcessor {
	l := logrus.New()
	l.Out = io.Discard

	if cfg.ProgramWords <= 0 {
		cfg.ProgramWords = DefaultConfig().ProgramWords
	}
	if cfg.DataWords <= 0 {
		cfg.DataWords = DefaultConfig().DataWords
	}
	c := &CoProcessor{
		mem:     mem,
		cfg:     cfg,
		log:     l,
		program: make([]uint16, cfg.ProgramWords),
		data:    make([]uint32, cfg.DataWords),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetIRQ connects the interrupt line, usually to Registry.HandleInterrupt.
func (c *CoProcessor) SetIRQ(fn func()) {
	c.irq.Store(&fn)
}

// Attach connects a peripheral to a data channel.
func (c *CoProcessor) Attach(channel int, p Peripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch[channel].peripheral = p
}

// LoadChannel implements sdma.Controller
func (c *CoProcessor) LoadChannel(channel int, ptr sdma.ChannelPointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch[channel].ptr = ptr
}

// Configure implements sdma.Controller
func (c *CoProcessor) Configure(channel int, reg uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch[channel].reg = reg
}

// SetEventMasks implements sdma.Controller
func (c *CoProcessor) SetEventMasks(channel int, mask1, mask2 uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch[channel].mask1 = mask1
	c.ch[channel].mask2 = mask2
}

// EventMasks returns the event masks last written for a channel.
func (c *CoProcessor) EventMasks(channel int) (uint32, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch[channel].mask1, c.ch[channel].mask2
}

// Register returns the channel enable register.
func (c *CoProcessor) Register(channel int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch[channel].reg
}

// Priority implements sdma.Controller
func (c *CoProcessor) Priority(channel int) uint8 {
	p, _ := sdma.UnpackChannelRegister(c.Register(channel))
	return p
}

// Start implements sdma.Controller. In automatic mode the ring is walked
// on its own goroutine.
func (c *CoProcessor) Start(channel int) {
	c.mu.Lock()
	c.ch[channel].running = true
	c.mu.Unlock()

	if c.cfg.Manual {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.cfg.Latency > 0 {
			time.Sleep(c.cfg.Latency)
		}
		c.Step(channel)
	}()
}

// Stop implements sdma.Controller
func (c *CoProcessor) Stop(channel int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch[channel].running = false
}

// Running reports whether a channel has been started and not yet walked.
func (c *CoProcessor) Running(channel int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch[channel].running
}

// Pending implements sdma.Controller
func (c *CoProcessor) Pending() uint32 {
	return c.pending.Load()
}

// AckPending implements sdma.Controller
func (c *CoProcessor) AckPending(channel int) bool {
	bit := uint32(1) << channel
	return c.pending.And(^bit)&bit != 0
}

// Raise sets a pending bit and fires the interrupt line.
func (c *CoProcessor) Raise(channel int) {
	c.pending.Or(1 << channel)
	if fn := c.irq.Load(); fn != nil {
		(*fn)()
	}
}

// Step walks the ring of a started channel and raises its interrupt. It
// reports false when the channel was not running.
func (c *CoProcessor) Step(channel int) bool {
	c.mu.Lock()
	st := &c.ch[channel]
	if !st.running {
		c.mu.Unlock()
		return false
	}
	st.running = false
	c.walk(channel, st)
	c.mu.Unlock()

	c.Raise(channel)
	return true
}

// Wait blocks until every automatic walk has finished.
func (c *CoProcessor) Wait() {
	c.wg.Wait()
}

func (c *CoProcessor) walk(channel int, st *channelState) {
	ptr := st.ptr
	log := c.log.WithField("channel", channel)
	if ptr.Count == 0 {
		log.Warn("start without a ring")
		return
	}

	b, err := c.mem.PhysToVirt(uint64(ptr.Base), ptr.Count*descriptor.Size)
	if err != nil {
		log.WithError(err).Warn("ring not in host memory")
		return
	}
	rg, err := ring.New(b, uint64(ptr.Base), ptr.Count)
	if err != nil {
		log.WithError(err).Warn("bad ring")
		return
	}

	i := int(ptr.Current-ptr.Base) / descriptor.Size
	if i < 0 || i >= rg.Len() {
		i = 0
	}

	frameDone := false
	for steps := 0; steps < rg.Len(); steps++ {
		bd := rg.At(i)
		if !bd.Owned() {
			break
		}

		if frameDone {
			bd.Count = 0
		} else if err := c.execute(channel, ptr.Dir, st.peripheral, &bd); err != nil {
			log.WithError(err).WithField("descriptor", i).Debug("descriptor failed")
			bd.Status |= descriptor.StatusError
		}
		if ptr.Dir == sdma.DirRead && bd.Status.Has(descriptor.StatusLast) {
			frameDone = true
		}
		bd.Status &^= descriptor.StatusDone
		rg.Set(i, bd)

		var ok bool
		if i, ok = rg.Next(i); !ok {
			break
		}
	}
	log.WithField("dir", ptr.Dir).Debug("ring walked")
}

func (c *CoProcessor) execute(channel int, dir sdma.Direction, p Peripheral, bd *descriptor.BD) error {
	if channel == 0 || dir == sdma.DirControl {
		return c.command(bd)
	}

	buf, err := c.mem.PhysToVirt(uint64(bd.BufferAddr), int(bd.Count))
	if err != nil {
		return err
	}

	switch dir {
	case sdma.DirWrite:
		if p == nil {
			return nil
		}
		return p.Transmit(buf)
	case sdma.DirRead:
		if p == nil {
			bd.Count = 0
			bd.Status |= descriptor.StatusLast
			return nil
		}
		n, last, err := p.Receive(buf)
		if err != nil {
			return err
		}
		bd.Count = uint16(n)
		if last {
			bd.Status |= descriptor.StatusLast
		} else {
			bd.Status &^= descriptor.StatusLast
		}
		return nil
	case sdma.DirMemCopy:
		dst, err := c.mem.PhysToVirt(uint64(bd.ExtBufferAddr), int(bd.Count))
		if err != nil {
			return err
		}
		copy(dst, buf)
		return nil
	}
	return fmt.Errorf("channel %d started without a direction", channel)
}

// command runs one channel 0 descriptor. Counts are in 16-bit words for
// program memory and 32-bit words for data memory and contexts.
func (c *CoProcessor) command(bd *descriptor.BD) error {
	n := int(bd.Count)
	addr := int(bd.ExtBufferAddr)

	op := bd.Command
	switch op & 0x07 {
	case descriptor.CommandSetCtx, descriptor.CommandGetCtx:
		o, ch := descriptor.SplitContextCommand(op)
		op = descriptor.CommandSetDM
		if o == descriptor.CommandGetCtx {
			op = descriptor.CommandGetDM
		}
		addr = int(descriptor.ContextAddress(ch))
	}

	switch op {
	case descriptor.CommandSetPM, descriptor.CommandGetPM:
		if addr+n > len(c.program) {
			return errBounds
		}
		host, err := c.mem.PhysToVirt(uint64(bd.BufferAddr), n*2)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if op == descriptor.CommandSetPM {
				c.program[addr+i] = binary.LittleEndian.Uint16(host[i*2:])
			} else {
				binary.LittleEndian.PutUint16(host[i*2:], c.program[addr+i])
			}
		}
	case descriptor.CommandSetDM, descriptor.CommandGetDM:
		if addr+n > len(c.data) {
			return errBounds
		}
		host, err := c.mem.PhysToVirt(uint64(bd.BufferAddr), n*4)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if op == descriptor.CommandSetDM {
				c.data[addr+i] = binary.LittleEndian.Uint32(host[i*4:])
			} else {
				binary.LittleEndian.PutUint32(host[i*4:], c.data[addr+i])
			}
		}
	default:
		return fmt.Errorf("unknown channel 0 command 0x%02x", uint8(bd.Command))
	}
	return nil
}

// ProgramMemory returns a copy of n program words at addr.
func (c *CoProcessor) ProgramMemory(addr, n int) []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint16, n)
	copy(out, c.program[addr:])
	return out
}

// DataMemory returns a copy of n data words at addr.
func (c *CoProcessor) DataMemory(addr, n int) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, n)
	copy(out, c.data[addr:])
	return out
}
