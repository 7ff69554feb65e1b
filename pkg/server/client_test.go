package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskgate/deskgate/pkg/auth"
	"github.com/deskgate/deskgate/pkg/protocol"
)

type wsReply struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
	Error     *wireError      `json:"error"`
}

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *fixture) dial(t *testing.T, query string) *wsConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return &wsConn{t: t, conn: conn}
}

func (c *wsConn) send(id, msgType string, data any) {
	c.t.Helper()
	msg := map[string]any{"id": id, "type": msgType}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

// next reads messages until match accepts a text message. Binary
// messages are passed to onBinary when set.
func (c *wsConn) next(match func(wsReply) bool, onBinary func([]byte) bool) (wsReply, []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		kind, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		if kind == websocket.BinaryMessage {
			if onBinary != nil && onBinary(data) {
				return wsReply{}, data
			}
			continue
		}
		var r wsReply
		require.NoError(c.t, json.Unmarshal(data, &r))
		if match != nil && match(r) {
			return r, nil
		}
	}
}

func (c *wsConn) reply(id string) wsReply {
	c.t.Helper()
	r, _ := c.next(func(r wsReply) bool {
		return r.ID == id && (r.Type == replyOK || r.Type == replyError || r.Type == replyPong)
	}, nil)
	return r
}

func (c *wsConn) event(eventType string) wsReply {
	c.t.Helper()
	r, _ := c.next(func(r wsReply) bool { return r.Type == eventType }, nil)
	return r
}

func TestWebSocketSession(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ws := f.dial(t, "client_id=client-1")

	ws.send("1", msgConnect, map[string]any{"host": "127.0.0.1", "port": f.host.Port()})
	r := ws.reply("1")
	require.Equal(t, replyOK, r.Type, "connect failed: %+v", r.Error)
	var snap struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &snap))
	assert.Equal(t, "connected", snap.Status)
	assert.Equal(t, 1, f.manager.Count())

	ws.send("2", msgInputMouse, map[string]any{"action": "down", "button": "right", "x": 10, "y": 20,
		"modifiers": map[string]bool{"shift": true}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recv, err := f.host.WaitReceived(ctx, 2)
	require.NoError(t, err)
	mouse, ok := recv[1].Command.(*protocol.MouseInput)
	require.True(t, ok, "got %T", recv[1].Command)
	assert.Equal(t, protocol.MouseDown, mouse.Action)
	assert.Equal(t, protocol.ButtonRight, mouse.Button)
	assert.Equal(t, uint16(10), mouse.X)
	assert.Equal(t, protocol.ModShift, mouse.Modifiers)

	require.NoError(t, f.host.Send(&protocol.VideoFrame{Flags: protocol.FlagKeyFrame, Data: []byte("frame")}))
	_, video := ws.next(nil, func([]byte) bool { return true })
	assert.Equal(t, append([]byte{byte(protocol.FlagKeyFrame)}, "frame"...), video)

	ws.send("3", msgPing, nil)
	assert.Equal(t, replyPong, ws.reply("3").Type)

	ws.send("4", msgStatus, nil)
	r = ws.reply("4")
	require.Equal(t, replyOK, r.Type)
	assert.Equal(t, snap.SessionID, r.SessionID)

	ws.send("5", "bogus", nil)
	r = ws.reply("5")
	require.Equal(t, replyError, r.Type)
	assert.Equal(t, "invalid_config", r.Error.Kind)

	ws.send("6", msgInputMouse, map[string]any{"action": "fly"})
	r = ws.reply("6")
	require.Equal(t, replyError, r.Type)
	assert.Equal(t, "invalid_config", r.Error.Kind)

	ws.send("7", msgConnect, map[string]any{"host": "127.0.0.1", "port": f.host.Port()})
	r = ws.reply("7")
	require.Equal(t, replyError, r.Type, "one session per client")

	require.NoError(t, ws.conn.Close())
	require.Eventually(t, func() bool {
		return f.manager.Count() == 0 && f.srv.ClientCount() == 0
	}, 5*time.Second, 10*time.Millisecond, "closing the socket ends the session")
}

func TestWebSocketDisconnect(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ws := f.dial(t, "client_id=client-1")

	ws.send("1", msgDisconnect, nil)
	r := ws.reply("1")
	require.Equal(t, replyError, r.Type)
	assert.Equal(t, "not_found", r.Error.Kind)

	ws.send("2", msgConnect, map[string]any{"host": "127.0.0.1", "port": f.host.Port()})
	require.Equal(t, replyOK, ws.reply("2").Type)

	ws.send("3", msgDisconnect, nil)
	ev := ws.event("sessionDisconnected")
	assert.NotEmpty(t, ev.SessionID)
	require.Equal(t, replyOK, ws.reply("3").Type)
	assert.Equal(t, 0, f.manager.Count())
}

func TestWebSocketReconnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconnect = ReconnectConfig{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, MaxElapsed: 2 * time.Second}
	f := newFixture(t, cfg, nil)
	ws := f.dial(t, "client_id=client-1")

	ws.send("1", msgReconnect, nil)
	r := ws.reply("1")
	require.Equal(t, replyError, r.Type, "nothing to repeat yet")

	ws.send("2", msgConnect, map[string]any{"host": "127.0.0.1", "port": f.host.Port()})
	first := ws.reply("2")
	require.Equal(t, replyOK, first.Type)

	f.host.DropConnections()
	ws.event("sessionDisconnected")
	require.Eventually(t, func() bool { return f.manager.Count() == 0 }, 5*time.Second, 10*time.Millisecond)

	ws.send("3", msgReconnect, nil)
	r = ws.reply("3")
	require.Equal(t, replyOK, r.Type, "reconnect failed: %+v", r.Error)
	assert.NotEqual(t, first.SessionID, r.SessionID)
	assert.Equal(t, 2, f.host.Accepted())
	assert.Equal(t, 1, f.manager.Count())
}

func TestWebSocketReconnectGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconnect = ReconnectConfig{InitialInterval: 10 * time.Millisecond, MaxInterval: 20 * time.Millisecond, MaxElapsed: 200 * time.Millisecond}
	f := newFixture(t, cfg, nil)
	ws := f.dial(t, "client_id=client-1")

	port := f.host.Port()
	f.host.Close()

	ws.send("1", msgReconnect, map[string]any{"host": "127.0.0.1", "port": port})
	var notices int
	r, _ := ws.next(func(r wsReply) bool {
		if r.Type == replyReconnecting {
			notices++
			return false
		}
		return r.ID == "1"
	}, nil)
	require.Equal(t, replyError, r.Type)
	assert.Equal(t, "connection_refused", r.Error.Kind)
	assert.Positive(t, notices)
}

func TestWebSocketPermissions(t *testing.T) {
	f := newFixture(t, DefaultConfig(), func(d *Deps) {
		v, err := auth.NewJWTVerifier(auth.JWTConfig{Secret: testSecret})
		require.NoError(t, err)
		d.Verifier = v
	})

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws := f.dial(t, "token="+bearerToken(t, "viewer", auth.PermSession))
	ws.send("1", msgConnect, map[string]any{"host": "127.0.0.1", "port": f.host.Port()})
	require.Equal(t, replyOK, ws.reply("1").Type)

	ws.send("2", msgInputKeyboard, map[string]any{"action": "down", "key_code": 65})
	r := ws.reply("2")
	require.Equal(t, replyError, r.Type)
	assert.Equal(t, "unauthorized", r.Error.Kind)

	ws.send("3", msgFileList, nil)
	assert.Equal(t, replyError, ws.reply("3").Type)
}

func TestWebSocketClipboard(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ws := f.dial(t, "client_id=client-1")
	ws.send("1", msgConnect, map[string]any{"host": "127.0.0.1", "port": f.host.Port()})
	require.Equal(t, replyOK, ws.reply("1").Type)

	ws.send("2", msgClipboardSet, map[string]any{"format": "image", "data": "AQID"})
	require.Equal(t, replyOK, ws.reply("2").Type)

	ws.send("3", msgClipboardSet, map[string]any{"format": "image", "data": "not base64!"})
	assert.Equal(t, replyError, ws.reply("3").Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recv, err := f.host.WaitReceived(ctx, 2)
	require.NoError(t, err)
	set, ok := recv[1].Command.(*protocol.ClipboardSet)
	require.True(t, ok)
	assert.Equal(t, protocol.ClipboardImage, set.Format)
	assert.Equal(t, []byte{1, 2, 3}, set.Data)
}

func TestShutdownClosesClients(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ws := f.dial(t, "client_id=client-1")
	ws.send("1", msgConnect, map[string]any{"host": "127.0.0.1", "port": f.host.Port()})
	require.Equal(t, replyOK, ws.reply("1").Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))
	assert.Equal(t, 0, f.srv.ClientCount())
	assert.Equal(t, 0, f.manager.Count())

	require.NoError(t, ws.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := ws.conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
			break
		}
	}
}
