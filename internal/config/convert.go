package config

import (
	"github.com/deskgate/deskgate/pkg/audit"
	"github.com/deskgate/deskgate/pkg/redirect"
	"github.com/deskgate/deskgate/pkg/server"
	"github.com/deskgate/deskgate/pkg/session"
	"github.com/deskgate/deskgate/pkg/transport"
)

// Manager returns the session manager settings.
func (c *Config) Manager() session.ManagerConfig {
	cfg := session.DefaultManagerConfig()
	cfg.ConnectTimeout = c.Session.ConnectTimeout
	cfg.FrameRate = c.Session.FrameRate
	cfg.FrameBufferSize = c.Session.FrameBufferSize
	cfg.MaxSessions = c.Session.MaxSessions
	cfg.IdleTimeout = c.Session.IdleTimeout
	cfg.TLS = transport.TLSConfig{
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		ServerName:         c.TLS.ServerName,
		CAFile:             c.TLS.CAFile,
	}
	cfg.AllowInsecureTLS = c.TLS.AllowInsecure
	return cfg
}

// Server returns the control-channel server settings.
func (c *Config) Server() server.Config {
	cfg := server.DefaultConfig()
	cfg.Addr = c.Server.Addr
	cfg.AllowedOrigins = c.Server.AllowedOrigins
	cfg.TrustedProxies = c.Server.TrustedProxies
	cfg.EnableCompression = c.Server.Compression
	if c.Auth.QueryParam != "" {
		cfg.TokenQueryParam = c.Auth.QueryParam
	}
	if c.Server.ReadTimeout > 0 {
		cfg.ReadTimeout = c.Server.ReadTimeout
	}
	if c.Server.WriteTimeout > 0 {
		cfg.WriteTimeout = c.Server.WriteTimeout
	}
	if c.Server.PingInterval > 0 {
		cfg.PingInterval = c.Server.PingInterval
	}
	if c.Server.MaxUploadSize > 0 {
		cfg.MaxUploadSize = c.Server.MaxUploadSize
	}
	return cfg
}

// DeviceRegistry returns the device registry settings.
func (c *Config) DeviceRegistry() redirect.DeviceRegistryConfig {
	return redirect.DeviceRegistryConfig{
		AttachTimeout: c.Devices.AttachTimeout,
		IdleTimeout:   c.Devices.IdleTimeout,
		MaxPerSession: c.Devices.MaxPerSession,
	}
}

// DeviceTypes returns the allowed device types; nil allows all.
func (c *Config) DeviceTypes() []redirect.DeviceType {
	var out []redirect.DeviceType
	for _, t := range c.Devices.AllowedTypes {
		out = append(out, redirect.DeviceType(t))
	}
	return out
}

// TransferRegistry returns the transfer registry settings.
func (c *Config) TransferRegistry() redirect.TransferRegistryConfig {
	return redirect.TransferRegistryConfig{
		MaxSize:       c.Storage.MaxSize,
		IdleTimeout:   c.Transfers.IdleTimeout,
		MaxPerSession: c.Transfers.MaxPerSession,
	}
}

// AuditAsync returns the async audit sink settings.
func (c *Config) AuditAsync() audit.AsyncConfig {
	cfg := audit.DefaultAsyncConfig()
	if c.Audit.BufferSize > 0 {
		cfg.BufferSize = c.Audit.BufferSize
	}
	return cfg
}
