// Package hosttest provides an in-process remote desktop host that speaks
// the frame protocol over loopback TCP, for tests and local probing.
package hosttest

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/deskgate/deskgate/pkg/protocol"
)

// Options configures a Host.
type Options struct {
	// Confirm makes the host answer every ConnectionRequest with a
	// ConnectionConfirm.
	Confirm bool

	// ConfirmDelay delays the confirm.
	ConfirmDelay time.Duration

	// TLS wraps accepted sockets in a TLS server when non-nil.
	TLS *tls.Config

	// OnCommand is called for every command the host decodes.
	OnCommand func(h protocol.Header, cmd protocol.Command)
}

// Received is one decoded command.
type Received struct {
	Header  protocol.Header
	Command protocol.Command
}

// Host is a fake remote desktop host.
type Host struct {
	opts Options
	ln   net.Listener

	mu       sync.Mutex
	conns    []net.Conn
	received []Received
	accepted int

	wg     sync.WaitGroup
	closed chan struct{}
}

// Start listens on 127.0.0.1 with an ephemeral port.
func Start(opts Options) (*Host, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	h := &Host{opts: opts, ln: ln, closed: make(chan struct{})}
	h.wg.Add(1)
	go h.acceptLoop()
	return h, nil
}

// Addr returns the listen address.
func (h *Host) Addr() string {
	return h.ln.Addr().String()
}

// Port returns the listen port.
func (h *Host) Port() int {
	_, p, _ := net.SplitHostPort(h.Addr())
	n, _ := strconv.Atoi(p)
	return n
}

func (h *Host) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			return
		}
		if h.opts.TLS != nil {
			conn = tls.Server(conn, h.opts.TLS)
		}
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.accepted++
		h.mu.Unlock()

		h.wg.Add(1)
		go h.serve(conn)
	}
}

func (h *Host) serve(conn net.Conn) {
	defer h.wg.Done()
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		hdr, cmd, err := protocol.DecodeCommand(frame)
		if err != nil {
			continue
		}

		h.mu.Lock()
		h.received = append(h.received, Received{Header: hdr, Command: cmd})
		h.mu.Unlock()
		if h.opts.OnCommand != nil {
			h.opts.OnCommand(hdr, cmd)
		}

		if _, ok := cmd.(*protocol.ConnectionRequest); ok && h.opts.Confirm {
			if h.opts.ConfirmDelay > 0 {
				select {
				case <-time.After(h.opts.ConfirmDelay):
				case <-h.closed:
					return
				}
			}
			data, _ := protocol.Encode(&protocol.ConnectionConfirm{ConnID: hdr.ConnID})
			if _, err := conn.Write(data); err != nil {
				return
			}
		}
	}
}

// Send writes ev to every open connection.
func (h *Host) Send(ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return h.SendRaw(data)
}

// SendRaw writes data verbatim to every open connection.
func (h *Host) SendRaw(data []byte) error {
	h.mu.Lock()
	conns := append([]net.Conn(nil), h.conns...)
	h.mu.Unlock()

	if len(conns) == 0 {
		return errors.New("hosttest: no connections")
	}
	for _, c := range conns {
		if _, err := c.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// Received returns a snapshot of the commands decoded so far.
func (h *Host) Received() []Received {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Received(nil), h.received...)
}

// Accepted returns how many sockets were accepted.
func (h *Host) Accepted() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepted
}

// WaitReceived blocks until at least n commands arrived or ctx ends.
func (h *Host) WaitReceived(ctx context.Context, n int) ([]Received, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if got := h.Received(); len(got) >= n {
			return got, nil
		}
		select {
		case <-ctx.Done():
			return h.Received(), ctx.Err()
		case <-ticker.C:
		}
	}
}

// DropConnections closes every accepted socket, as a host crash would.
func (h *Host) DropConnections() {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the listener and drops all connections.
func (h *Host) Close() error {
	select {
	case <-h.closed:
		return nil
	default:
		close(h.closed)
	}
	err := h.ln.Close()
	h.DropConnections()
	h.wg.Wait()
	return err
}

// RedirectDialer dials Target whatever address it is asked for, so tests
// can use realistic host names.
type RedirectDialer struct {
	Target string

	mu    sync.Mutex
	asked []string
}

// DialContext implements transport.Dialer.
func (d *RedirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.asked = append(d.asked, address)
	d.mu.Unlock()
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.Target)
}

// Asked returns the addresses callers dialed.
func (d *RedirectDialer) Asked() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.asked...)
}
