// Package ring implements a ring of buffer descriptors laid out in memory
// shared with the DMA co-processor.
//
// Every descriptor word is read and written with 32-bit atomic accesses, so
// the host and the co-processor observe each other's ownership changes in
// order: payload written before a DONE store is visible to whoever loads
// DONE afterwards.
package ring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/emergingrobotics/go-sdma/pkg/descriptor"
)

// MaxLen bounds the number of descriptors in a ring.
const MaxLen = 255

// Ring is a view of len descriptors backed by coherent memory.
type Ring struct {
	mem  []byte
	phys uint64
	n    int
}

// New creates a view of n descriptors over mem, whose bus address is phys.
func New(mem []byte, phys uint64, n int) (*Ring, error) {
	if n <= 0 || n > MaxLen {
		return nil, fmt.Errorf("invalid descriptor count %d", n)
	}
	if len(mem) < n*descriptor.Size {
		return nil, fmt.Errorf("ring memory too small: %d bytes for %d descriptors", len(mem), n)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, fmt.Errorf("ring memory is not word aligned")
	}
	return &Ring{mem: mem[:n*descriptor.Size], phys: phys, n: n}, nil
}

// Len returns the number of descriptors.
func (r *Ring) Len() int {
	return r.n
}

// Last returns the index of the ring tail.
func (r *Ring) Last() int {
	return r.n - 1
}

// PhysicalHandle returns the bus address of descriptor 0. This is the only
// value handed to the co-processor.
func (r *Ring) PhysicalHandle() uint64 {
	return r.phys
}

// Addr returns the bus address of descriptor i.
func (r *Ring) Addr(i int) uint64 {
	return r.phys + uint64(i*descriptor.Size)
}

func (r *Ring) word(i, w int) *uint32 {
	if i < 0 || i >= r.n {
		panic(fmt.Sprintf("ring: descriptor index %d out of range [0,%d)", i, r.n))
	}
	return (*uint32)(unsafe.Pointer(&r.mem[i*descriptor.Size+w*4]))
}

// At returns a copy of descriptor i.
func (r *Ring) At(i int) descriptor.BD {
	// Load the mode word last so the addresses seen belong to the status seen.
	buf := atomic.LoadUint32(r.word(i, 1))
	ext := atomic.LoadUint32(r.word(i, 2))
	mode := atomic.LoadUint32(r.word(i, 0))
	return descriptor.FromWords([3]uint32{mode, buf, ext})
}

// Status returns the status byte of descriptor i.
func (r *Ring) Status(i int) descriptor.Status {
	_, s, _ := descriptor.UnpackMode(atomic.LoadUint32(r.word(i, 0)))
	return s
}

// Set stores descriptor i. The mode word, which carries DONE, is stored last.
func (r *Ring) Set(i int, d descriptor.BD) {
	w := d.Words()
	atomic.StoreUint32(r.word(i, 1), w[1])
	atomic.StoreUint32(r.word(i, 2), w[2])
	atomic.StoreUint32(r.word(i, 0), w[0])
}

// Update applies fn to a copy of descriptor i and stores the result.
func (r *Ring) Update(i int, fn func(d *descriptor.BD)) {
	d := r.At(i)
	fn(&d)
	r.Set(i, d)
}

// SetBits sets status bits on descriptor i.
func (r *Ring) SetBits(i int, bits descriptor.Status) {
	r.Update(i, func(d *descriptor.BD) { d.Status |= bits })
}

// ClearBits clears status bits on descriptor i.
func (r *Ring) ClearBits(i int, bits descriptor.Status) {
	r.Update(i, func(d *descriptor.BD) { d.Status &^= bits })
}

// Count returns how many descriptors have all of bits set.
func (r *Ring) Count(bits descriptor.Status) int {
	n := 0
	for i := 0; i < r.n; i++ {
		if r.Status(i).Has(bits) {
			n++
		}
	}
	return n
}

// Any reports whether a descriptor has all of bits set.
func (r *Ring) Any(bits descriptor.Status) bool {
	for i := 0; i < r.n; i++ {
		if r.Status(i).Has(bits) {
			return true
		}
	}
	return false
}

// First returns the lowest index with all of bits set, or -1.
func (r *Ring) First(bits descriptor.Status) int {
	for i := 0; i < r.n; i++ {
		if r.Status(i).Has(bits) {
			return i
		}
	}
	return -1
}

// Next returns the index after i as the co-processor walks the ring: WRAP
// returns to the base, the tail without WRAP ends the walk.
func (r *Ring) Next(i int) (int, bool) {
	if r.Status(i).Has(descriptor.StatusWrap) {
		return 0, true
	}
	if i+1 >= r.n {
		return 0, false
	}
	return i + 1, true
}

// Circular reports whether the tail descriptor has WRAP set.
func (r *Ring) Circular() bool {
	return r.Status(r.Last()).Has(descriptor.StatusWrap)
}

// Snapshot returns a copy of every descriptor.
func (r *Ring) Snapshot() []descriptor.BD {
	out := make([]descriptor.BD, r.n)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}
