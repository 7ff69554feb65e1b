package session

import (
	"time"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/protocol"
)

// Config is the immutable connection configuration of one session.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Domain   string `json:"domain,omitempty"`

	// Width and Height of the remote desktop. Default: 1920x1080.
	Width  uint16 `json:"width,omitempty"`
	Height uint16 `json:"height,omitempty"`

	// ColorDepth in bits per pixel. Default: 32.
	ColorDepth uint8 `json:"color_depth,omitempty"`

	Quality  protocol.Quality  `json:"quality"`
	Features protocol.Features `json:"features,omitempty"`

	// EnableTLS upgrades the host connection to TLS.
	EnableTLS bool `json:"enable_tls,omitempty"`

	// InsecureSkipVerify asks to skip certificate verification. The
	// manager only honors it when AllowInsecureTLS is set.
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`

	// ConnectTimeout overrides the manager's default when positive.
	ConnectTimeout time.Duration `json:"-"`
}

// withDefaults fills the display fields left zero.
func (c Config) withDefaults() Config {
	if c.Width == 0 {
		c.Width = 1920
	}
	if c.Height == 0 {
		c.Height = 1080
	}
	if c.ColorDepth == 0 {
		c.ColorDepth = 32
	}
	return c
}

// Validate checks the fields a connect cannot do without.
func (c Config) Validate() error {
	const op = "session.config"
	if c.Host == "" {
		return gwerrors.Newf(gwerrors.InvalidConfig, op, "host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return gwerrors.Newf(gwerrors.InvalidConfig, op, "port %d out of range", c.Port)
	}
	if !c.Quality.Valid() {
		return gwerrors.Newf(gwerrors.InvalidConfig, op, "unknown quality %d", c.Quality)
	}
	switch c.ColorDepth {
	case 0, 8, 15, 16, 24, 32:
	default:
		return gwerrors.Newf(gwerrors.InvalidConfig, op, "unsupported color depth %d", c.ColorDepth)
	}
	if c.ConnectTimeout < 0 {
		return gwerrors.Newf(gwerrors.InvalidConfig, op, "negative connect timeout")
	}
	return nil
}

func (c Config) request() *protocol.ConnectionRequest {
	return &protocol.ConnectionRequest{
		Width:      c.Width,
		Height:     c.Height,
		ColorDepth: c.ColorDepth,
		Quality:    c.Quality,
		Features:   c.Features,
		Username:   c.Username,
		Password:   c.Password,
		Domain:     c.Domain,
	}
}

// DisplayPrefs are the session-local display preferences.
type DisplayPrefs struct {
	Quality    protocol.Quality `json:"quality"`
	Fullscreen bool             `json:"fullscreen"`
	Monitor    int              `json:"monitor"`
}
