package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/protocol"
)

// Dialer opens the raw TCP socket. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Observer receives transport counters. *metrics.Collector satisfies it.
type Observer interface {
	BytesSent(n int)
	BytesReceived(n int)
	FrameDropped()
	DecodeFailed()
}

type nopObserver struct{}

func (nopObserver) BytesSent(int)     {}
func (nopObserver) BytesReceived(int) {}
func (nopObserver) FrameDropped()     {}
func (nopObserver) DecodeFailed()     {}

// Options configures a Conn.
type Options struct {
	// Host and Port of the remote desktop host.
	Host string
	Port int

	// ConnectTimeout bounds dial, TLS handshake and the wait for the
	// host's ConnectionConfirm together.
	// Default: 10s.
	ConnectTimeout time.Duration

	// WriteTimeout bounds a single Send. Zero means no deadline.
	// Default: 5s.
	WriteTimeout time.Duration

	// TLS enables the TLS upgrade when non-nil.
	TLS *TLSConfig

	// ConnID is written into every outbound frame header.
	ConnID uint32

	// Request is sent once the socket is up. Nil sends nothing and only
	// waits for the confirm.
	Request *protocol.ConnectionRequest

	// FrameBufferSize bounds the queue of received video frames. When
	// full, the oldest frame is dropped.
	// Default: 256.
	FrameBufferSize int

	// Dialer overrides the TCP dialer. Default: &net.Dialer{}.
	Dialer Dialer

	// Logger receives connection logs. Default: no-op.
	Logger *zap.Logger

	// Observer receives byte and frame counters. Default: no-op.
	Observer Observer
}

// DefaultOptions returns Options with defaults applied for host:port.
func DefaultOptions(host string, port int) Options {
	o := Options{Host: host, Port: port}
	o.applyDefaults()
	return o
}

// Address returns host:port.
func (o *Options) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.FrameBufferSize <= 0 {
		o.FrameBufferSize = 256
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
}

func (o *Options) validate() error {
	if o.Host == "" {
		return gwerrors.Newf(gwerrors.InvalidConfig, "transport.open", "host is required")
	}
	if o.Port <= 0 || o.Port > 65535 {
		return gwerrors.Newf(gwerrors.InvalidConfig, "transport.open", "port %d out of range", o.Port)
	}
	return nil
}

func (o *Options) String() string {
	mode := "tcp"
	if o.TLS != nil {
		mode = "tls"
	}
	return fmt.Sprintf("%s://%s", mode, o.Address())
}
