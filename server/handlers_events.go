package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/intent-radar/broadcast"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = wsPongWait * 9 / 10
	wsMaxMessage   = 4096
	sseKeepAlive   = 15 * time.Second
)

// clientMessage is what the extension may send over the websocket.
type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// HandleWebSocket streams session events to a websocket client. The client
// picks its session with ?sessionId= or a {"type":"subscribe"} message.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		slog.Debug("websocket upgrade failed", slog.Any("err", err), slog.String("component", "ws"))
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(r.URL.Query().Get("sessionId"), broadcast.DefaultBuffer)
	defer sub.Close()

	replies := make(chan any, 8)
	readDone := make(chan struct{})
	go h.readClient(conn, sub, replies, readDone)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(v); err != nil {
			slog.Debug("websocket write failed", slog.Any("err", err), slog.String("component", "ws"))
			return false
		}
		return true
	}
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if !write(e) {
				return
			}
		case m := <-replies:
			if !write(m) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-readDone:
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// readClient handles control messages until the connection fails. Replies go
// through the writer goroutine since gorilla allows one concurrent writer.
func (h *Handlers) readClient(conn *websocket.Conn, sub *broadcast.Subscription, replies chan<- any, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read failed", slog.Any("err", err), slog.String("component", "ws"))
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		var reply any
		switch msg.Type {
		case "subscribe":
			sub.SetSession(msg.SessionID)
			reply = map[string]string{"type": "subscribed", "sessionId": msg.SessionID}
		case "ping":
			reply = map[string]string{"type": "pong"}
		default:
			continue
		}
		select {
		case replies <- reply:
		default:
		}
	}
}

// HandleEvents is the SSE variant of the event channel for clients that
// cannot hold a websocket.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sub := h.hub.Subscribe(r.URL.Query().Get("sessionId"), broadcast.DefaultBuffer)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				slog.Warn("failed to encode event", slog.Any("err", err), slog.String("component", "sse"))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}
