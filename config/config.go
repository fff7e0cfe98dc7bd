// Package config loads comm.Config from a YAML file and GACOMM_* environment
// variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rocketbitz/gacomm-go/comm"
)

// EnvPrefix is prepended to every environment override, e.g.
// GACOMM_CHANNEL_PAYLOAD_CAPACITY.
const EnvPrefix = "GACOMM"

// File mirrors the on-disk layout.
type File struct {
	// Ranks is the number of processes an example world starts with.
	Ranks      int           `mapstructure:"ranks"`
	ThreadMode string        `mapstructure:"thread_mode"`
	Timeout    time.Duration `mapstructure:"timeout"`
	LogLevel   string        `mapstructure:"log_level"`

	Queues  QueueConfig   `mapstructure:"queues"`
	Channel ChannelConfig `mapstructure:"channel"`
	Limits  LimitConfig   `mapstructure:"limits"`
}

// QueueConfig sizes the bootstrap request queues. Every rank must agree.
type QueueConfig struct {
	Segment  int `mapstructure:"segment"`
	Channel  int `mapstructure:"channel"`
	WaitList int `mapstructure:"wait_list"`
}

// ChannelConfig holds the parameters advertised in every channel handshake.
type ChannelConfig struct {
	PayloadCapacity int `mapstructure:"payload_capacity"`
	ReceiveWindow   int `mapstructure:"receive_window"`
	SendWindow      int `mapstructure:"send_window"`
}

// LimitConfig bounds the per-process bookkeeping pools.
type LimitConfig struct {
	PendingConnections int `mapstructure:"pending_connections"`
	Requests           int `mapstructure:"requests"`
}

// Options are command line overrides applied after the file and environment.
type Options struct {
	Ranks      int
	ThreadMode string
	Timeout    time.Duration
}

// Load reads path (or gacomm.yaml from the usual locations when path is
// empty), applies environment and command line overrides, and validates the
// result.
func Load(path string, opts Options) (*File, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("gacomm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gacomm")
		v.AddConfigPath("$HOME/.gacomm")
		// A missing file leaves the defaults in place.
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Ranks != 0 {
		v.Set("ranks", opts.Ranks)
	}
	if opts.ThreadMode != "" {
		v.Set("thread_mode", opts.ThreadMode)
	}
	if opts.Timeout != 0 {
		v.Set("timeout", opts.Timeout)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ranks", 2)
	v.SetDefault("thread_mode", comm.ThreadSingle.String())
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("log_level", "info")

	v.SetDefault("queues.segment", comm.DefaultSegmentQueueCapacity)
	v.SetDefault("queues.channel", comm.DefaultChannelQueueCapacity)
	v.SetDefault("queues.wait_list", comm.DefaultWaitListCapacity)

	v.SetDefault("channel.payload_capacity", comm.DefaultPayloadCapacity)
	v.SetDefault("channel.receive_window", comm.DefaultReceiveWindow)
	v.SetDefault("channel.send_window", comm.DefaultSendWindow)

	v.SetDefault("limits.pending_connections", comm.DefaultMaxPendingConnections)
	v.SetDefault("limits.requests", comm.DefaultMaxRequests)
}

func (f *File) validate() error {
	if f.Ranks < 1 {
		return fmt.Errorf("ranks must be positive, got %d", f.Ranks)
	}
	cfg, err := f.Comm()
	if err != nil {
		return err
	}
	return cfg.Validate()
}

// Comm converts the file into a comm.Config. Telemetry hooks are left for the
// caller to attach.
func (f *File) Comm() (comm.Config, error) {
	mode, err := comm.ParseThreadMode(f.ThreadMode)
	if err != nil {
		return comm.Config{}, err
	}
	return comm.Config{
		SegmentQueueCapacity:  f.Queues.Segment,
		ChannelQueueCapacity:  f.Queues.Channel,
		WaitListCapacity:      f.Queues.WaitList,
		MaxPendingConnections: f.Limits.PendingConnections,
		MaxRequests:           f.Limits.Requests,
		PayloadCapacity:       f.Channel.PayloadCapacity,
		ReceiveWindow:         f.Channel.ReceiveWindow,
		SendWindow:            f.Channel.SendWindow,
		ThreadMode:            mode,
		Timeout:               f.Timeout,
	}, nil
}
