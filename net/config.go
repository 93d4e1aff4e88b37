package net

import (
	"fmt"
	"time"
)

const (
	// DefaultMagic prefixes every upstream frame.
	DefaultMagic = "kin-transport"
	// DefaultMaxBodySize is the largest frame body accepted or produced.
	DefaultMaxBodySize = 16 << 20
	// MaxMagicLen bounds the configurable magic.
	MaxMagicLen = 256

	defaultSendChannelSize   = 1024
	defaultCloseGrace        = 300 * time.Millisecond
	defaultReconnectUnit     = time.Second
	defaultMaxReconnectDelay = 3 * time.Second
	defaultDialTimeout       = 5 * time.Second
	defaultReadBufferSize    = 4096
)

// ReadBufferMode selects how frame bodies relate to the receive buffer.
type ReadBufferMode string

const (
	// ReadBufferComposite hands out zero-copy slices of the shared receive buffer.
	ReadBufferComposite ReadBufferMode = "composite"
	// ReadBufferCopy copies every body into its own buffer.
	ReadBufferCopy ReadBufferMode = "copy"
)

// FrameCfg configures the length-prefixed framing shared by both sides of a link.
type FrameCfg struct {
	Magic          string         `mapstructure:"magic"`
	MaxBodySize    int            `mapstructure:"maxBodySize"`
	ReadBufferMode ReadBufferMode `mapstructure:"readBufferMode"`
	ReadBufferSize int            `mapstructure:"readBufferSize"`
	// Compression enables the one-byte compression tag in every body: none, s2 or zstd.
	// Both peers must agree, an empty value keeps the plain body layout.
	Compression          string `mapstructure:"compression"`
	CompressionThreshold int    `mapstructure:"compressionThreshold"`
}

// DefaultFrameCfg ...
func DefaultFrameCfg() FrameCfg {
	return FrameCfg{
		Magic:          DefaultMagic,
		MaxBodySize:    DefaultMaxBodySize,
		ReadBufferMode: ReadBufferComposite,
		ReadBufferSize: defaultReadBufferSize,
	}
}

func (c *FrameCfg) applyDefaults() {
	if c.Magic == "" {
		c.Magic = DefaultMagic
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.ReadBufferMode == "" {
		c.ReadBufferMode = ReadBufferComposite
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
}

// Validate validates the FrameCfg parameters
func (c *FrameCfg) Validate() error {
	if len(c.Magic) > MaxMagicLen {
		return fmt.Errorf("magic longer than %d bytes", MaxMagicLen)
	}
	if c.MaxBodySize < 0 {
		return fmt.Errorf("MaxBodySize cannot be negative")
	}
	switch c.ReadBufferMode {
	case "", ReadBufferComposite, ReadBufferCopy:
	default:
		return fmt.Errorf("unknown readBufferMode %q", c.ReadBufferMode)
	}
	if _, err := ParseCompressionType(c.Compression); err != nil {
		return err
	}
	return nil
}

// IdleCfg drives idle notifications. Zero disables the respective check.
type IdleCfg struct {
	// ReadIdle fires OnReadIdle when nothing was read for this long.
	ReadIdle time.Duration `mapstructure:"readIdle"`
	// WriteIdle fires OnWriteIdle when nothing was written for this long.
	WriteIdle time.Duration `mapstructure:"writeIdle"`
	// IdleTimeout closes the connection when neither side moved for this long.
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
}

// tick is the longest the receive loop may block before idle state is checked.
func (c IdleCfg) tick() time.Duration {
	var d time.Duration
	for _, v := range []time.Duration{c.ReadIdle, c.WriteIdle, c.IdleTimeout} {
		if v > 0 && (d == 0 || v < d) {
			d = v
		}
	}
	return d
}

// ServerCfg 服务端传输配置.
type ServerCfg struct {
	Tag             string        `mapstructure:"tag"`
	Addr            string        `mapstructure:"addr"`
	Frame           FrameCfg      `mapstructure:"frame"`
	Idle            IdleCfg       `mapstructure:"idle"`
	SendChannelSize int           `mapstructure:"sendChannelSize"`
	MaxBufferSize   int           `mapstructure:"maxBufferSize"`
	CloseGrace      time.Duration `mapstructure:"closeGrace"`
	// MaxConnections rejects new connections beyond this count. Zero means unlimited.
	MaxConnections int              `mapstructure:"maxConnections"`
	Dispatcher     DispatcherConfig `mapstructure:"dispatcher"`
}

// GetName returns the configuration name for ServerCfg
func (c *ServerCfg) GetName() string {
	return "kin_server"
}

// Validate validates the ServerCfg parameters
func (c *ServerCfg) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("Addr cannot be empty")
	}
	if c.SendChannelSize < 0 {
		return fmt.Errorf("SendChannelSize cannot be negative")
	}
	if c.MaxBufferSize < 0 {
		return fmt.Errorf("MaxBufferSize cannot be negative")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("MaxConnections cannot be negative")
	}
	if err := c.Dispatcher.Validate(); err != nil {
		return err
	}
	return c.Frame.Validate()
}

func (c *ServerCfg) applyDefaults() {
	c.Frame.applyDefaults()
	if c.SendChannelSize <= 0 {
		c.SendChannelSize = defaultSendChannelSize
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = defaultCloseGrace
	}
}

// ClientCfg 客户端传输配置.
type ClientCfg struct {
	Tag string `mapstructure:"tag"`
	// Addr is dialled when no Resolver is configured.
	Addr            string        `mapstructure:"addr"`
	Frame           FrameCfg      `mapstructure:"frame"`
	Idle            IdleCfg       `mapstructure:"idle"`
	SendChannelSize int           `mapstructure:"sendChannelSize"`
	CloseGrace      time.Duration `mapstructure:"closeGrace"`
	DialTimeout     time.Duration `mapstructure:"dialTimeout"`
	// ReplayQueueSize bounds the frames kept for replay after a failed flush. Zero means unbounded.
	ReplayQueueSize int `mapstructure:"replayQueueSize"`
	// MaxReconnectAttempts stops reconnecting after this many failures in a row. Zero retries forever.
	MaxReconnectAttempts int `mapstructure:"maxReconnectAttempts"`
	// ReconnectUnit is the per-retry backoff step, the delay is min(MaxReconnectDelay, retries*ReconnectUnit).
	ReconnectUnit     time.Duration    `mapstructure:"reconnectUnit"`
	MaxReconnectDelay time.Duration    `mapstructure:"maxReconnectDelay"`
	Dispatcher        DispatcherConfig `mapstructure:"dispatcher"`
}

// GetName returns the configuration name for ClientCfg
func (c *ClientCfg) GetName() string {
	return "kin_client"
}

// Validate validates the ClientCfg parameters
func (c *ClientCfg) Validate() error {
	if c.SendChannelSize < 0 {
		return fmt.Errorf("SendChannelSize cannot be negative")
	}
	if c.ReplayQueueSize < 0 {
		return fmt.Errorf("ReplayQueueSize cannot be negative")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MaxReconnectAttempts cannot be negative")
	}
	if err := c.Dispatcher.Validate(); err != nil {
		return err
	}
	return c.Frame.Validate()
}

func (c *ClientCfg) applyDefaults() {
	c.Frame.applyDefaults()
	if c.SendChannelSize <= 0 {
		c.SendChannelSize = defaultSendChannelSize
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = defaultCloseGrace
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ReconnectUnit <= 0 {
		c.ReconnectUnit = defaultReconnectUnit
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = defaultMaxReconnectDelay
	}
}
