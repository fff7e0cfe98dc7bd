package comm

import (
	"fmt"
	"strings"
	"time"

	"github.com/rocketbitz/gacomm-go/internal/wire"
)

// ThreadMode selects how the per-process bookkeeping is protected.
type ThreadMode int

const (
	// ThreadSingle assumes one goroutine drives the process; the lock is a no-op.
	ThreadSingle ThreadMode = iota
	// ThreadMultiple serialises every call behind a spin lock.
	ThreadMultiple
)

func (m ThreadMode) String() string {
	switch m {
	case ThreadMultiple:
		return "multiple"
	default:
		return "single"
	}
}

// ParseThreadMode converts "single" or "multiple" into a ThreadMode.
func ParseThreadMode(s string) (ThreadMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "single":
		return ThreadSingle, nil
	case "multiple", "multi":
		return ThreadMultiple, nil
	}
	return ThreadSingle, fmt.Errorf("gacomm: unknown thread mode %q", s)
}

// Default configuration values.
const (
	DefaultSegmentQueueCapacity  = 16
	DefaultChannelQueueCapacity  = 16
	DefaultWaitListCapacity      = 64
	DefaultMaxPendingConnections = 64
	DefaultMaxRequests           = 256
	DefaultPayloadCapacity       = 1024
	DefaultReceiveWindow         = 8
	DefaultSendWindow            = 8
)

// Config controls Open. Queue capacities determine the bootstrap layout and
// must be identical on every rank; the channel parameters must match between
// the two ends of every channel.
type Config struct {
	SegmentQueueCapacity int
	ChannelQueueCapacity int
	// WaitListCapacity bounds segment requests held aside until a matching
	// destination appears. A negative value disables the wait list.
	WaitListCapacity      int
	MaxPendingConnections int
	MaxRequests           int
	PayloadCapacity       int
	ReceiveWindow         int
	SendWindow            int
	ThreadMode            ThreadMode
	// Timeout bounds blocking calls whose context carries no earlier deadline.
	// Zero waits forever.
	Timeout          time.Duration
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.SegmentQueueCapacity == 0 {
		c.SegmentQueueCapacity = DefaultSegmentQueueCapacity
	}
	if c.ChannelQueueCapacity == 0 {
		c.ChannelQueueCapacity = DefaultChannelQueueCapacity
	}
	if c.WaitListCapacity == 0 {
		c.WaitListCapacity = DefaultWaitListCapacity
	}
	if c.MaxPendingConnections == 0 {
		c.MaxPendingConnections = DefaultMaxPendingConnections
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.PayloadCapacity == 0 {
		c.PayloadCapacity = DefaultPayloadCapacity
	}
	if c.ReceiveWindow == 0 {
		c.ReceiveWindow = DefaultReceiveWindow
	}
	if c.SendWindow == 0 {
		c.SendWindow = DefaultSendWindow
	}
	return c
}

// Validate reports the first unusable field.
func (c Config) Validate() error {
	switch {
	case c.SegmentQueueCapacity < 1:
		return fmt.Errorf("gacomm: segment queue capacity must be positive, got %d", c.SegmentQueueCapacity)
	case c.ChannelQueueCapacity < 1:
		return fmt.Errorf("gacomm: channel queue capacity must be positive, got %d", c.ChannelQueueCapacity)
	case c.MaxPendingConnections < 1:
		return fmt.Errorf("gacomm: max pending connections must be positive, got %d", c.MaxPendingConnections)
	case c.MaxRequests < 1:
		return fmt.Errorf("gacomm: max requests must be positive, got %d", c.MaxRequests)
	case c.PayloadCapacity < 1:
		return fmt.Errorf("gacomm: payload capacity must be positive, got %d", c.PayloadCapacity)
	case uint64(c.PayloadCapacity) > wire.MaxLength:
		return fmt.Errorf("%w: payload capacity %d", ErrPayloadTooLarge, c.PayloadCapacity)
	case c.ReceiveWindow < 1:
		return fmt.Errorf("gacomm: receive window must be at least 1, got %d", c.ReceiveWindow)
	case c.SendWindow < 1:
		return fmt.Errorf("gacomm: send window must be at least 1, got %d", c.SendWindow)
	case c.Timeout < 0:
		return fmt.Errorf("gacomm: timeout must not be negative, got %s", c.Timeout)
	}
	return nil
}

// ChannelParams returns the fixed channel parameters this configuration
// advertises in every handshake.
func (c Config) ChannelParams() ChannelParams {
	return ChannelParams{
		PayloadCapacity: c.PayloadCapacity,
		ReceiveWindow:   c.ReceiveWindow,
		SendWindow:      c.SendWindow,
	}
}
