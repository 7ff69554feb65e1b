// Package errors defines the gateway's error taxonomy.
//
// Every failure the core surfaces carries a Kind. Kinds are stable and
// map to a short code (e.g. "DG010") used in control-channel error events
// and audit records, so that clients can react to a class of failure
// without parsing messages.
//
// # Kinds
//
//   - MalformedFrame: a frame could not be decoded. Recoverable; the
//     frame is dropped and the connection continues.
//   - ConnectTimeout, ConnectionRefused, NetworkError: session creation
//     failed. Surfaced to the caller of CreateSession.
//   - NotConnected: an operation targeted a session that is not
//     connected. Input, clipboard and display operations treat this as
//     a silent no-op.
//   - NotFound: a lookup missed. Returned as an explicit miss.
//
// # Usage
//
//	err := errors.E(errors.ConnectTimeout, "transport.open", "10.0.0.5:3389", ctx.Err())
//	if errors.Is(err, errors.ErrConnectTimeout) {
//	    // ...
//	}
//
// Classify maps raw network errors onto the connect kinds:
//
//	kind := errors.Classify(dialErr) // ConnectionRefused, ConnectTimeout or NetworkError
package errors
