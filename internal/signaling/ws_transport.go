package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport dials the room hub over a websocket. One transport carries one
// room subscription; it does not reconnect on its own.
type WSTransport struct {
	baseURL      string
	dialer       *websocket.Dialer
	writeTimeout time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool
}

// NewWSTransport creates a transport for a hub at baseURL, e.g.
// "ws://127.0.0.1:8090".
func NewWSTransport(baseURL string, writeTimeout time.Duration) *WSTransport {
	if writeTimeout <= 0 {
		writeTimeout = 1 * time.Second
	}
	return &WSTransport{
		baseURL:      baseURL,
		dialer:       websocket.DefaultDialer,
		writeTimeout: writeTimeout,
	}
}

func (t *WSTransport) Connect(ctx context.Context, roomID, userID string, recv func(Envelope), state func(error)) error {
	endpoint := fmt.Sprintf("%s/ws/%s?user=%s", t.baseURL, url.PathEscape(roomID), url.QueryEscape(userID))

	conn, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("signaling: dial %s: status %d: %w", endpoint, resp.StatusCode, err)
		}
		return fmt.Errorf("signaling: dial %s: %w", endpoint, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn, recv, state)
	return nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn, recv func(Envelope), state func(error)) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed && state != nil {
				state(err)
			}
			return
		}

		env, err := ParseEnvelope(msg)
		if err != nil {
			// Tolerate foreign frames on the shared channel.
			continue
		}
		if recv != nil {
			recv(env)
		}
	}
}

func (t *WSTransport) Send(env Envelope) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return ErrNotConnected
	}

	encoded, err := json.Marshal(env)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, encoded)
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(t.writeTimeout))
		t.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}
