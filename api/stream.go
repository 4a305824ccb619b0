package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"hostaudit/core"

	"github.com/gorilla/websocket"
)

// WebSocket configuration constants
const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// maxMessageSize is the maximum message size allowed from peer.
	maxMessageSize = 512
)

// streamMessage is one websocket frame of the live stream
type streamMessage struct {
	Type      string             `json:"type"`
	Data      *core.Notification `json:"data,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// upgrader configures WebSocket connection upgrades.
// Origins are checked by corsMiddleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (a *API) keepalive() time.Duration {
	if k := a.config.Notify.Keepalive; k > 0 {
		return k
	}
	return core.KeepaliveInterval
}

// stream serves the live detection feed as server-sent events. Only
// detections published after the client connects are delivered.
func (a *API) stream(w http.ResponseWriter, r *http.Request) {
	if a.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "stream_disabled", nil, a.logger)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", nil, a.logger)
		return
	}

	sub := a.deps.Bus.Subscribe()
	defer a.deps.Bus.Unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ctx := r.Context()
	keepalive := a.keepalive()
	for {
		n, ok, err := sub.Next(ctx, keepalive)
		if err != nil {
			return
		}
		if ok {
			payload, err := json.Marshal(n)
			if err != nil {
				a.logger.Errorw("Failed to encode notification", "error", err, "rule_id", n.RuleID)
				continue
			}
			_, err = fmt.Fprintf(w, "event: detection\ndata: %s\n\n", payload)
			if err != nil {
				return
			}
		} else if _, err := fmt.Fprint(w, "event: ping\ndata: {}\n\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

// websocketStream serves the same feed over a websocket. Heartbeats are
// {"type":"ping"} frames alongside protocol-level pings.
func (a *API) websocketStream(w http.ResponseWriter, r *http.Request) {
	if a.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "stream_disabled", nil, a.logger)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		a.logger.Debugw("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := a.deps.Bus.Subscribe()
	defer a.deps.Bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read pump only exists to process control frames and notice the close.
	go func() {
		defer cancel()
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := a.writeFrame(conn, streamMessage{Type: "connected", Timestamp: time.Now().UTC()}); err != nil {
		return
	}

	keepalive := a.keepalive()
	for {
		n, ok, err := sub.Next(ctx, keepalive)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
		msg := streamMessage{Type: "ping", Timestamp: time.Now().UTC()}
		if ok {
			msg.Type = "detection"
			msg.Data = &n
		} else if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := a.writeFrame(conn, msg); err != nil {
			a.logger.Debugw("WebSocket write failed", "error", err)
			return
		}
	}
}

func (a *API) writeFrame(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
