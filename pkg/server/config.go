package server

import (
	"time"
)

// Config holds the control-channel server settings.
type Config struct {
	// Addr is the listen address.
	// Default: ":8080".
	Addr string

	// AllowedOrigins lists the Origin values accepted on WebSocket
	// upgrades. Empty allows same-origin requests only; "*" allows any.
	AllowedOrigins []string

	// TrustedProxies are IPs or CIDRs whose forwarding headers are
	// believed when logging the client address.
	TrustedProxies []string

	// TokenQueryParam is read for the bearer token on WebSocket upgrades.
	// Default: "token".
	TokenQueryParam string

	// Timeouts

	// ReadTimeout is how long the socket may stay silent, pongs included.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single WebSocket write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// PingInterval is the time between pings. Must be below ReadTimeout.
	// Default: 25 seconds.
	PingInterval time.Duration

	// ShutdownTimeout bounds the graceful HTTP shutdown.
	// Default: 15 seconds.
	ShutdownTimeout time.Duration

	// Limits

	// MaxMessageSize is the largest accepted client message.
	// Default: 1MB.
	MaxMessageSize int64

	// SendQueue is the per-client outbound queue length. Video frames are
	// dropped when it is full; a client that cannot keep up with control
	// events is disconnected.
	// Default: 256.
	SendQueue int

	// MaxUploadSize caps HTTP file uploads.
	// Default: 100MB.
	MaxUploadSize int64

	// HistoryLimit is the default page size of the history endpoint.
	// Default: 50.
	HistoryLimit int

	// Reconnect configures the backoff of the reconnect message.
	Reconnect ReconnectConfig

	// Features

	// EnableCompression negotiates permessage-deflate.
	// Default: false, video payloads are already compressed.
	EnableCompression bool
}

// ReconnectConfig bounds reconnect attempts.
type ReconnectConfig struct {
	// InitialInterval is the first retry delay.
	// Default: 500ms.
	InitialInterval time.Duration

	// MaxInterval caps the delay between attempts.
	// Default: 10 seconds.
	MaxInterval time.Duration

	// MaxElapsed gives up after this long.
	// Default: 1 minute.
	MaxElapsed time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		TokenQueryParam: "token",
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		PingInterval:    25 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxMessageSize:  1 << 20,
		SendQueue:       256,
		MaxUploadSize:   100 << 20,
		HistoryLimit:    50,
		Reconnect: ReconnectConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			MaxElapsed:      time.Minute,
		},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.TokenQueryParam == "" {
		c.TokenQueryParam = d.TokenQueryParam
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout * 9 / 10
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = d.MaxUploadSize
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.Reconnect.InitialInterval <= 0 {
		c.Reconnect.InitialInterval = d.Reconnect.InitialInterval
	}
	if c.Reconnect.MaxInterval <= 0 {
		c.Reconnect.MaxInterval = d.Reconnect.MaxInterval
	}
	if c.Reconnect.MaxElapsed <= 0 {
		c.Reconnect.MaxElapsed = d.Reconnect.MaxElapsed
	}
}
