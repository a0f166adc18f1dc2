package platform

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Host implements Ops on top of an Arena.
type Host struct {
	arena    *Arena
	locks    [MaxChannels]*semaphore.Weighted
	wake     [MaxChannels]chan struct{}
	irqDepth atomic.Int32
}

var _ Ops = (*Host)(nil)

// NewHost creates a platform serving allocations from arena.
func NewHost(arena *Arena) *Host {
	h := &Host{arena: arena}
	for i := range h.locks {
		h.locks[i] = semaphore.NewWeighted(1)
		h.wake[i] = make(chan struct{}, 1)
	}
	return h
}

// NewDefaultHost maps a DefaultArenaSize arena at DefaultPhysBase.
func NewDefaultHost() (*Host, error) {
	arena, err := NewArena(DefaultArenaSize, DefaultPhysBase)
	if err != nil {
		return nil, err
	}
	return NewHost(arena), nil
}

// Arena returns the backing arena
func (h *Host) Arena() *Arena {
	return h.arena
}

// Close unmaps the backing arena
func (h *Host) Close() error {
	return h.arena.Close()
}

// Alloc implements Ops
func (h *Host) Alloc(size int) (Mem, error) {
	b, err := h.arena.Alloc(size)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Free implements Ops
func (h *Host) Free(m Mem) error {
	b, ok := m.(*Block)
	if !ok {
		return ErrForeignMemory
	}
	return h.arena.Free(b)
}

// PhysToVirt implements Ops
func (h *Host) PhysToVirt(addr uint64, size int) ([]byte, error) {
	return h.arena.PhysToVirt(addr, size)
}

func checkChannel(ch int) {
	if ch < 0 || ch >= MaxChannels {
		panic(fmt.Sprintf("platform: channel %d out of range", ch))
	}
}

// InitSleep implements Ops
func (h *Host) InitSleep(ch int) {
	checkChannel(ch)
	select {
	case <-h.wake[ch]:
	default:
	}
}

// Sleep implements Ops
func (h *Host) Sleep(ch int) {
	checkChannel(ch)
	<-h.wake[ch]
}

// Wake implements Ops
func (h *Host) Wake(ch int) {
	checkChannel(ch)
	select {
	case h.wake[ch] <- struct{}{}:
	default:
	}
}

// DisableInterrupts implements Ops. Calls nest.
func (h *Host) DisableInterrupts() {
	h.irqDepth.Add(1)
}

// EnableInterrupts implements Ops
func (h *Host) EnableInterrupts() {
	h.irqDepth.Add(-1)
}

// InterruptsDisabled reports whether a DisableInterrupts is outstanding.
func (h *Host) InterruptsDisabled() bool {
	return h.irqDepth.Load() > 0
}

// AcquireChannel implements Ops
func (h *Host) AcquireChannel(ctx context.Context, ch int) error {
	if ch < 0 || ch >= MaxChannels {
		return ErrBadChannel
	}
	if err := h.locks[ch].Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring channel %d: %w", ch, err)
	}
	return nil
}

// TryAcquireChannel implements Ops
func (h *Host) TryAcquireChannel(ch int) error {
	if ch < 0 || ch >= MaxChannels {
		return ErrBadChannel
	}
	if !h.locks[ch].TryAcquire(1) {
		return ErrBusy
	}
	return nil
}

// ReleaseChannel implements Ops
func (h *Host) ReleaseChannel(ch int) {
	checkChannel(ch)
	h.locks[ch].Release(1)
}
