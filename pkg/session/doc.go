// Package session owns remote desktop sessions: their lifecycle, their
// host connection and frame pump, and the events they produce.
//
// # Lifecycle
//
// A Manager creates every session. CreateSession registers the session as
// connecting, opens the host connection and waits for the host's confirm:
//
//	mgr := session.NewManager(session.DefaultManagerConfig(),
//	    session.WithLogger(logger),
//	    session.WithAudit(auditSink),
//	)
//	s, err := mgr.CreateSession(ctx, clientID, session.Config{Host: "10.0.0.5", Port: 3389})
//
// Status moves connecting -> connected or connecting -> error, and from
// either to disconnected. Each client holds at most one session.
//
// # Events
//
// Lifecycle changes and host data are published on a Bus:
//
//	unsubscribe := mgr.Subscribe(func(ev session.Event) {
//	    frame := ev.Payload.(*protocol.VideoFrame)
//	    ...
//	}, session.EventFrameReady)
//
// Video frames are buffered by the connection and released by a
// FramePump at a fixed rate, oldest first.
//
// # History
//
// A HistoryRecorder copies lifecycle snapshots into a Store (MemoryStore
// or RedisStore) so ended sessions remain queryable.
package session
