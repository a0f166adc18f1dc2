package testutil

import (
	"errors"
	"sync"

	"github.com/emergingrobotics/go-sdma/pkg/platform"
)

// ErrFakeAlloc is returned by FakeOps once its allocation budget is spent.
var ErrFakeAlloc = errors.New("fake allocation failure")

// FakeOps wraps a platform and records the calls made through it.
// Allocation can be made to fail after a number of successes.
type FakeOps struct {
	platform.Ops

	mu         sync.Mutex
	allocs     int
	frees      int
	wakes      map[int]int
	failAfter  int
	failAllocs bool
}

// NewFakeOps wraps ops
func NewFakeOps(ops platform.Ops) *FakeOps {
	return &FakeOps{Ops: ops, wakes: make(map[int]int)}
}

// FailAllocAfter makes every allocation after the next n fail
func (f *FakeOps) FailAllocAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAllocs = true
	f.failAfter = f.allocs + n
}

// AllowAlloc lifts an allocation failure
func (f *FakeOps) AllowAlloc() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAllocs = false
}

// Alloc implements platform.Ops
func (f *FakeOps) Alloc(size int) (platform.Mem, error) {
	f.mu.Lock()
	if f.failAllocs && f.allocs >= f.failAfter {
		f.mu.Unlock()
		return nil, ErrFakeAlloc
	}
	f.allocs++
	f.mu.Unlock()
	return f.Ops.Alloc(size)
}

// Free implements platform.Ops
func (f *FakeOps) Free(m platform.Mem) error {
	f.mu.Lock()
	f.frees++
	f.mu.Unlock()
	return f.Ops.Free(m)
}

// Wake implements platform.Ops
func (f *FakeOps) Wake(ch int) {
	f.mu.Lock()
	f.wakes[ch]++
	f.mu.Unlock()
	f.Ops.Wake(ch)
}

// Allocs returns the number of successful allocations
func (f *FakeOps) Allocs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocs
}

// Frees returns the number of frees
func (f *FakeOps) Frees() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frees
}

// Wakes returns the number of wake-ups delivered to a channel
func (f *FakeOps) Wakes(ch int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wakes[ch]
}
