// Copyright 2022 The beacon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// closeGracePeriod how long to wait for the close frame to go out
const closeGracePeriod = time.Second

// WebSocketTransport Transport over a WebSocket connection
type WebSocketTransport struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketTransport wrap a WebSocket connection
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// Send write one text message, bounded by the context deadline
func (t *WebSocketTransport) Send(ctxt context.Context, msg []byte) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if err := ctxt.Err(); err != nil {
		return err
	}
	// No deadline on the context means no write deadline
	deadline, _ := ctxt.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

// Ping send a keepalive ping
func (t *WebSocketTransport) Ping(deadline time.Time) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close send a close frame and close the connection
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// SessionParams WebSocket subscriber session parameters
type SessionParams struct {
	// ReadLimit max size of one inbound message in bytes
	ReadLimit int64
	// PingInterval interval between keepalive pings
	PingInterval time.Duration
	// SendTimeout max duration of one outbound write
	SendTimeout time.Duration
}

// ServeWebSocket run one subscriber session on an upgraded connection
//
// The connection is registered with the hub, then inbound control messages are
// processed until the connection fails or the context ends. The connection is always
// removed from the hub on return.
func ServeWebSocket(ctxt context.Context, hub Hub, conn *websocket.Conn, params SessionParams) error {
	logTags := log.Fields{
		"module": "hub", "component": "websocket-session", "instance": conn.RemoteAddr().String(),
	}
	pongWait := params.PingInterval * 2
	conn.SetReadLimit(params.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	transport := NewWebSocketTransport(conn)
	connectionID, err := hub.Accept(ctxt, transport)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register connection")
		_ = transport.Close()
		return err
	}
	logTags["connection"] = connectionID
	defer hub.Disconnect(connectionID)

	sessionCtxt, cancel := context.WithCancel(ctxt)
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	// Keepalive. Also aborts the pending read once the session ends.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = transport.Close() }()
		ticker := time.NewTicker(params.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessionCtxt.Done():
				return
			case <-ticker.C:
				if err := transport.Ping(time.Now().Add(params.SendTimeout)); err != nil {
					log.WithError(err).WithFields(logTags).Info("Keepalive ping failed")
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(logTags).Info("Connection closed unexpectedly")
			} else {
				log.WithFields(logTags).Debug("Connection closed")
			}
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := hub.HandleControlMessage(sessionCtxt, connectionID, msg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to process control message")
		}
	}
}
