// Package sdma implements the Smart DMA virtual channel engine: up to 32
// channels multiplexed onto one DMA co-processor through rings of buffer
// descriptors, with channel 0 reserved for loading scripts and contexts
// into the co-processor.
package sdma

import (
	"io"
	"sync/atomic"

	"github.com/emergingrobotics/go-sdma/pkg/metrics"
	"github.com/emergingrobotics/go-sdma/pkg/platform"
	"github.com/sirupsen/logrus"
)

// ChannelPointer is what the co-processor needs to walk a channel's ring.
type ChannelPointer struct {
	Base    uint32
	Current uint32
	Count   int
	Dir     Direction
}

// Controller is the SoC-specific register surface of the co-processor.
type Controller interface {
	// LoadChannel publishes the ring of a channel.
	LoadChannel(channel int, ptr ChannelPointer)
	// Configure writes the channel enable register built by PackChannelRegister.
	Configure(channel int, reg uint32)
	// SetEventMasks writes the two event masks of a channel.
	SetEventMasks(channel int, mask1, mask2 uint32)
	// Priority returns the current priority register of a channel.
	Priority(channel int) uint8
	Start(channel int)
	Stop(channel int)
	// Pending returns the pending-interrupt bitmask.
	Pending() uint32
	// AckPending clears the pending bit of a channel and reports whether
	// it was set.
	AckPending(channel int) bool
}

// Registry owns the channel control block table and every per-channel
// table the engine needs. One Registry drives one co-processor.
type Registry struct {
	ops      platform.Ops
	hw       Controller
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	defaults ChannelConfig

	table       atomic.Pointer[[MaxChannels]ControlBlock]
	intrArrived atomic.Uint32
	callbacks   [MaxChannels]atomic.Pointer[callbackEntry]
	handoff     [MaxChannels]atomic.Bool
	completions [MaxChannels]chan Completion
}

type callbackEntry struct {
	fn  Callback
	arg any
	cd  *ChannelDescriptor
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithDefaults replaces the defaults template copied into new channels.
func WithDefaults(cfg ChannelConfig) Option {
	return func(r *Registry) {
		r.defaults = cfg
	}
}

// NewRegistry creates an engine over a platform and a co-processor.
func NewRegistry(ops platform.Ops, hw Controller, opts ...Option) *Registry {
	l := logrus.New()
	l.Out = io.Discard

	r := &Registry{
		ops:      ops,
		hw:       hw,
		log:      l,
		defaults: DefaultChannelConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.completions {
		r.completions[i] = make(chan Completion, completionDepth)
	}
	return r
}

// Defaults returns the defaults template
func (r *Registry) Defaults() ChannelConfig {
	return r.defaults
}

// Initialized reports whether channel 0 has been opened once.
func (r *Registry) Initialized() bool {
	return r.table.Load() != nil
}

// ControlBlock returns the control block of a channel slot, nil before the
// table exists.
func (r *Registry) ControlBlock(channel int) *ControlBlock {
	t := r.table.Load()
	if t == nil || channel < 0 || channel >= MaxChannels {
		return nil
	}
	return &t[channel]
}

// Descriptor returns the descriptor of an open channel, nil otherwise.
func (r *Registry) Descriptor(channel int) *ChannelDescriptor {
	ccb := r.ControlBlock(channel)
	if ccb == nil {
		return nil
	}
	return ccb.cd
}

func (r *Registry) chanLog(channel int) logrus.FieldLogger {
	return r.log.WithField("channel", channel)
}

// bootstrap allocates the control block table. It runs on the first open
// of channel 0; callers serialize that first open.
func (r *Registry) bootstrap() error {
	if r.ops == nil || r.hw == nil {
		return newError(KindPlatformContract, 0, "bootstrap")
	}

	t := new([MaxChannels]ControlBlock)
	for i := range t {
		t[i].channel = i
	}
	if !r.table.CompareAndSwap(nil, t) {
		return nil
	}

	// channel 0 only ever runs on host request
	r.hw.Configure(0, PackChannelRegister(r.hw.Priority(0), Ownership{Host: true}))
	r.log.Info("channel control block table allocated")
	return nil
}
