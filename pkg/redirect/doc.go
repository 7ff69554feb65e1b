// Package redirect tracks peripheral devices and file transfers that are
// redirected through a session.
//
// Both registries scope their entries to a session ID, run the real work
// (a DeviceDriver attach, a Codec read or write) asynchronously and report
// the outcome through a callback and a status event on the session bus.
// Entries idle past a threshold are removed by Cleanup, and all entries of
// a session are dropped when the session disconnects.
package redirect
