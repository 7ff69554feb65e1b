// Package transport owns the socket to a remote desktop host.
//
// A Conn is opened with Open, which dials TCP with a timeout, optionally
// upgrades the same socket to TLS, sends the connection request and waits
// for the host's ConnectionConfirm. One goroutine per Conn reads frames,
// decodes them and either queues them (video) or hands them to the
// Handler (everything else).
//
// State machine:
//
//	Idle → Connecting → Connected → Closed
//	            └──────────────────→ Closed   (timeout or socket error)
//
// TLS verifies the host certificate unless TLSConfig.InsecureSkipVerify
// is set explicitly.
package transport
