package ga

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBootstrapSize is the bootstrap region size used when WithBootstrapSize
// is not supplied.
const DefaultBootstrapSize = 64 << 10

// Option adjusts world construction.
type Option func(*worldConfig)

type worldConfig struct {
	ranks         int
	bootstrapSize int
	queueDepth    int
	synchronous   bool
}

// WithRanks sets the number of processes in the world.
func WithRanks(n int) Option {
	return func(cfg *worldConfig) {
		cfg.ranks = n
	}
}

// WithBootstrapSize sets the size of every rank's bootstrap region.
func WithBootstrapSize(size int) Option {
	return func(cfg *worldConfig) {
		cfg.bootstrapSize = size
	}
}

// WithQueueDepth bounds the number of operations a process may have queued on
// its engine before issuing blocks.
func WithQueueDepth(depth int) Option {
	return func(cfg *worldConfig) {
		cfg.queueDepth = depth
	}
}

// WithSynchronous executes every operation at issue time. Handles are complete
// as soon as they are returned.
func WithSynchronous() Option {
	return func(cfg *worldConfig) {
		cfg.synchronous = true
	}
}

// World is a group of processes sharing one global address space. Every
// process runs an engine that executes its issued operations in order.
type World struct {
	id     uuid.UUID
	cfg    worldConfig
	procs  []*Process
	closed atomic.Bool
}

// NewWorld creates a world and registers the bootstrap region of every rank.
func NewWorld(opts ...Option) (*World, error) {
	cfg := worldConfig{
		ranks:         2,
		bootstrapSize: DefaultBootstrapSize,
		queueDepth:    1024,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.ranks <= 0 || cfg.ranks > MaxRanks {
		return nil, fmt.Errorf("ga: rank count %d out of range", cfg.ranks)
	}
	if cfg.bootstrapSize <= 0 || cfg.bootstrapSize > maxOffset {
		return nil, errors.New("ga: bootstrap size must be positive and addressable")
	}
	if cfg.queueDepth <= 0 {
		cfg.queueDepth = 1
	}

	w := &World{id: uuid.New(), cfg: cfg}
	w.procs = make([]*Process, cfg.ranks)
	for rank := range w.procs {
		p := newProcess(w, rank)
		if _, err := p.registerKey(BootstrapKey, cfg.bootstrapSize); err != nil {
			w.Close()
			return nil, fmt.Errorf("register bootstrap region for rank %d: %w", rank, err)
		}
		w.procs[rank] = p
	}
	for _, p := range w.procs {
		p.start()
	}
	return w, nil
}

// ID returns the unique identifier of this world instance.
func (w *World) ID() string {
	if w == nil {
		return ""
	}
	return w.id.String()
}

// Size returns the number of ranks.
func (w *World) Size() int {
	if w == nil {
		return 0
	}
	return len(w.procs)
}

// Process returns the process with the given rank, or nil if out of range.
func (w *World) Process(rank int) *Process {
	if w == nil || rank < 0 || rank >= len(w.procs) {
		return nil
	}
	return w.procs[rank]
}

// BootstrapSize returns the size of every bootstrap region.
func (w *World) BootstrapSize() int {
	return w.cfg.bootstrapSize
}

// Close drains and stops every process engine.
func (w *World) Close() error {
	if w == nil || !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, p := range w.procs {
		if p != nil {
			p.stop()
		}
	}
	return nil
}

func (w *World) resolve(a Address) (*Region, error) {
	p := w.Process(a.Rank())
	if p == nil {
		return nil, fmt.Errorf("%w: %s names unknown rank", ErrInvalidAddress, a)
	}
	r := p.region(a.Key())
	if r == nil {
		return nil, fmt.Errorf("%w: %s names unregistered memory", ErrInvalidAddress, a)
	}
	return r, nil
}
