package platform

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultPhysBase is the bus address of the first arena byte.
const DefaultPhysBase = 0x90000000

// DefaultArenaSize is the arena size used when none is configured.
const DefaultArenaSize = 1 << 20

// Alignment of every block handed out by an Arena.
const Alignment = 16

type span struct {
	off, size int
}

// Arena is a fixed region of coherent memory with a first-fit allocator.
// The region is mapped once; blocks are carved out of it so that every
// block has a stable bus address for its lifetime.
type Arena struct {
	mu     sync.Mutex
	data   []byte
	base   uint64
	free   []span
	used   map[int]int
	closed bool
}

// Block is a piece of an Arena.
type Block struct {
	arena *Arena
	off   int
	data  []byte
}

// Bytes returns the CPU view of the block
func (b *Block) Bytes() []byte {
	return b.data
}

// PhysAddr returns the bus address of the block
func (b *Block) PhysAddr() uint64 {
	return b.arena.base + uint64(b.off)
}

// Len returns the usable size of the block
func (b *Block) Len() int {
	return len(b.data)
}

// NewArena maps size bytes of memory whose first byte has bus address base.
func NewArena(size int, base uint64) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena size must be positive, got %d", size)
	}
	if base%Alignment != 0 {
		return nil, fmt.Errorf("arena base 0x%x is not %d-byte aligned", base, Alignment)
	}
	if base+uint64(size) > 1<<32 {
		return nil, fmt.Errorf("arena [0x%x, 0x%x) exceeds the 32-bit bus", base, base+uint64(size))
	}

	data, err := mapMemory(size)
	if err != nil {
		return nil, fmt.Errorf("mapping arena: %w", err)
	}

	return &Arena{
		data: data,
		base: base,
		free: []span{{0, len(data)}},
		used: make(map[int]int),
	}, nil
}

func alignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Alloc returns a zeroed block of size bytes.
func (a *Arena) Alloc(size int) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocation size must be positive, got %d", size)
	}
	need := alignUp(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	for i, s := range a.free {
		if s.size < need {
			continue
		}
		if s.size == need {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{s.off + need, s.size - need}
		}
		a.used[s.off] = need
		data := a.data[s.off : s.off+size : s.off+size]
		clear(data)
		return &Block{arena: a, off: s.off, data: data}, nil
	}
	return nil, ErrOutOfMemory
}

// Free returns a block to the arena, merging it with free neighbours.
func (a *Arena) Free(b *Block) error {
	if b == nil || b.arena != a {
		return ErrForeignMemory
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	size, ok := a.used[b.off]
	if !ok {
		return ErrDoubleFree
	}
	delete(a.used, b.off)

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].off > b.off })
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{b.off, size}

	// merge with the following span, then with the preceding one
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	return nil
}

// PhysToVirt returns the CPU view of size bytes at bus address addr.
func (a *Arena) PhysToVirt(addr uint64, size int) ([]byte, error) {
	if size < 0 || addr < a.base {
		return nil, ErrBadAddress
	}
	off := addr - a.base
	if off+uint64(size) > uint64(len(a.data)) {
		return nil, ErrBadAddress
	}

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return a.data[off : off+uint64(size) : off+uint64(size)], nil
}

// Base returns the bus address of the arena
func (a *Arena) Base() uint64 {
	return a.base
}

// Size returns the arena size in bytes
func (a *Arena) Size() int {
	return len(a.data)
}

// Available returns the number of free bytes
func (a *Arena) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.free {
		n += s.size
	}
	return n
}

// Allocated returns the number of live blocks
func (a *Arena) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// Close unmaps the arena. Blocks must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return unmapMemory(a.data)
}
