// Package descriptor defines the buffer descriptor shared between the host
// and the SDMA co-processor, the data-node descriptor used by the IPCv2 peer,
// and the channel-0 command codes used to talk to the co-processor itself.
package descriptor

import "fmt"

// Status is the status byte of a buffer descriptor.
type Status uint8

// Buffer descriptor status bits
const (
	StatusDone     Status = 0x01 // co-processor owns the descriptor
	StatusWrap     Status = 0x02 // next descriptor is the ring base
	StatusCont     Status = 0x04 // transfer continues on the next descriptor
	StatusIntr     Status = 0x08 // raise an interrupt when processed
	StatusError    Status = 0x10 // co-processor reported a transfer error
	StatusLast     Status = 0x20 // last descriptor of the transfer
	StatusExtended Status = 0x80 // ExtBufferAddr is meaningful
)

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusDone, "DONE"},
	{StatusWrap, "WRAP"},
	{StatusCont, "CONT"},
	{StatusIntr, "INTR"},
	{StatusError, "ERROR"},
	{StatusLast, "LAST"},
	{StatusExtended, "EXTD"},
}

// Has reports whether every bit in b is set in s.
func (s Status) Has(b Status) bool {
	return s&b == b
}

// String returns the set bits joined with '|'
func (s Status) String() string {
	if s == 0 {
		return "0"
	}
	out := ""
	rest := s
	for _, n := range statusNames {
		if s&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
			rest &^= n.bit
		}
	}
	if rest != 0 {
		if out != "" {
			out += "|"
		}
		out += fmt.Sprintf("0x%02x", uint8(rest))
	}
	return out
}

// Command is the command byte of a buffer descriptor. On data channels it
// carries the transfer size/endianness code; on channel 0 it selects the
// memory operation performed by the co-processor.
type Command uint8

// Channel 0 command codes
const (
	CommandSetDM  Command = 0x01 // host -> co-processor data memory
	CommandGetDM  Command = 0x02 // co-processor data memory -> host
	CommandSetPM  Command = 0x04 // host -> co-processor program memory
	CommandGetPM  Command = 0x08 // co-processor program memory -> host
	CommandSetCtx Command = 0x07 // host -> channel context, channel in bits 3..7
	CommandGetCtx Command = 0x03 // channel context -> host, channel in bits 3..7
)

// ContextCommand builds a SETCTX/GETCTX command for a channel.
func ContextCommand(op Command, channel int) Command {
	return Command(uint8(channel&0x1f)<<3) | (op & 0x07)
}

// SplitContextCommand returns the operation and channel of a context command.
func SplitContextCommand(c Command) (Command, int) {
	return c & 0x07, int(c >> 3)
}

// Co-processor memory layout
const (
	// ContextBase is the data-memory word address of channel 0's context.
	ContextBase = 2048
	// ContextWords is the size of one channel context in 32-bit words.
	ContextWords = 32
	// ContextSize is the size of one channel context in bytes.
	ContextSize = ContextWords * 4
)

// ContextAddress returns the data-memory word address of a channel context.
func ContextAddress(channel int) uint32 {
	return uint32(ContextBase + ContextSize*channel/4)
}

// MaxCount is the largest transfer length a single descriptor can carry.
const MaxCount = 0xffff

// BD is one buffer descriptor ring slot.
type BD struct {
	Command       Command
	Status        Status
	Count         uint16
	BufferAddr    uint32
	ExtBufferAddr uint32
}

// PhysAddresser is anything with a bus address, typically platform memory.
type PhysAddresser interface {
	PhysAddr() uint64
}

// Fill writes every field of d. The buffer address is translated from buf;
// ext is taken as given since it is already a co-processor address.
func Fill(d *BD, command Command, status Status, count uint16, buf PhysAddresser, ext uint32) {
	var addr uint32
	if buf != nil {
		addr = uint32(buf.PhysAddr())
	}
	*d = BD{
		Command:       command,
		Status:        status,
		Count:         count,
		BufferAddr:    addr,
		ExtBufferAddr: ext,
	}
}

// Owned reports whether the co-processor currently owns the descriptor.
func (d BD) Owned() bool {
	return d.Status&StatusDone != 0
}

func (d BD) String() string {
	return fmt.Sprintf("bd{cmd=0x%02x status=%s count=%d buf=0x%08x ext=0x%08x}",
		uint8(d.Command), d.Status, d.Count, d.BufferAddr, d.ExtBufferAddr)
}
