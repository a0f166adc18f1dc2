// Package platform defines the services the SDMA engine needs from its
// environment: coherent memory, address translation, sleep/wake, interrupt
// masking and per-channel locking. Host is the implementation used outside
// the kernel: an mmap'd arena stands in for coherent DMA memory.
package platform

import "context"

// MaxChannels is the number of virtual channels served by one co-processor.
const MaxChannels = 32

// Mem is a block of memory that the DMA co-processor can address.
type Mem interface {
	// Bytes returns the CPU view of the block.
	Bytes() []byte
	// PhysAddr is the bus address of the first byte.
	PhysAddr() uint64
}

// Ops is the platform adapter consumed by the engine.
type Ops interface {
	// Alloc returns zeroed coherent memory of at least size bytes.
	Alloc(size int) (Mem, error)
	// Free returns memory obtained from Alloc.
	Free(m Mem) error
	// PhysToVirt returns the CPU view of size bytes at bus address addr.
	PhysToVirt(addr uint64, size int) ([]byte, error)

	// InitSleep discards pending wake-ups for a channel.
	InitSleep(channel int)
	// Sleep blocks until Wake is called for the channel.
	Sleep(channel int)
	// Wake releases one Sleep on the channel. It never blocks.
	Wake(channel int)

	DisableInterrupts()
	EnableInterrupts()

	// AcquireChannel blocks until the channel lock is held or ctx is done.
	AcquireChannel(ctx context.Context, channel int) error
	// TryAcquireChannel takes the channel lock or returns ErrBusy.
	TryAcquireChannel(channel int) error
	// ReleaseChannel releases the channel lock. The releasing goroutine
	// need not be the acquiring one.
	ReleaseChannel(channel int)
}

type interruptKey struct{}

// WithInterrupt marks ctx as running in interrupt context. Code seeing such
// a context must not sleep.
func WithInterrupt(ctx context.Context) context.Context {
	return context.WithValue(ctx, interruptKey{}, true)
}

// InInterrupt reports whether ctx was marked by WithInterrupt.
func InInterrupt(ctx context.Context) bool {
	v, _ := ctx.Value(interruptKey{}).(bool)
	return v
}
