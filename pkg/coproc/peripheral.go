package coproc

import (
	"errors"
	"sync"
)

// Peripheral is the device side of a data channel.
type Peripheral interface {
	// Transmit consumes the payload of one write descriptor.
	Transmit(p []byte) error
	// Receive fills one read descriptor and reports whether the frame
	// ended with it.
	Receive(p []byte) (n int, last bool, err error)
}

// ErrInjected is returned by a Fault once it trips.
var ErrInjected = errors.New("injected peripheral fault")

// ErrReadOnly is returned by Source.Transmit.
var ErrReadOnly = errors.New("peripheral is read-only")

// Sink records everything written to it. Reads return an empty frame.
type Sink struct {
	mu     sync.Mutex
	data   []byte
	chunks []int
}

func (s *Sink) Transmit(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	s.chunks = append(s.chunks, len(p))
	return nil
}

func (s *Sink) Receive([]byte) (int, bool, error) {
	return 0, true, nil
}

// Bytes returns a copy of the collected data
func (s *Sink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// Chunks returns the size of every descriptor transmitted
func (s *Sink) Chunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.chunks...)
}

// Source produces a fixed frame. With a non-zero Chunk each descriptor
// receives at most Chunk bytes. The descriptor that drains the frame
// carries LAST.
type Source struct {
	mu    sync.Mutex
	data  []byte
	chunk int
}

// NewSource returns a source producing data.
func NewSource(data []byte, chunk int) *Source {
	return &Source{data: append([]byte(nil), data...), chunk: chunk}
}

func (s *Source) Transmit([]byte) error {
	return ErrReadOnly
}

func (s *Source) Receive(p []byte) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return 0, true, nil
	}
	n := len(p)
	if s.chunk > 0 && s.chunk < n {
		n = s.chunk
	}
	n = copy(p[:n], s.data)
	s.data = s.data[n:]
	return n, len(s.data) == 0, nil
}

// Remaining returns the number of bytes not yet received
func (s *Source) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Loopback feeds written data back to reads. A write of one ring walk
// forms one frame.
type Loopback struct {
	mu  sync.Mutex
	buf []byte
}

func (l *Loopback) Transmit(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	return nil
}

func (l *Loopback) Receive(p []byte) (int, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := copy(p, l.buf)
	l.buf = l.buf[n:]
	return n, len(l.buf) == 0, nil
}

// Buffered returns the number of bytes waiting to be read
func (l *Loopback) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// Fault wraps a peripheral and fails every call starting with call number
// After (zero based). A nil Inner behaves like a Sink.
type Fault struct {
	Inner Peripheral
	After int

	mu    sync.Mutex
	calls int
}

func (f *Fault) trip() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls
	f.calls++
	return n >= f.After
}

func (f *Fault) inner() Peripheral {
	if f.Inner == nil {
		return &Sink{}
	}
	return f.Inner
}

func (f *Fault) Transmit(p []byte) error {
	if f.trip() {
		return ErrInjected
	}
	return f.inner().Transmit(p)
}

func (f *Fault) Receive(p []byte) (int, bool, error) {
	if f.trip() {
		return 0, false, ErrInjected
	}
	return f.inner().Receive(p)
}
