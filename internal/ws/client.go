package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"beacon/api/internal/realtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024
)

// pushMessage is the server-to-client frame. Type "change" carries a
// notification; ack types mirror write result statuses.
type pushMessage struct {
	Type           string   `json:"type"`
	Table          string   `json:"table,omitempty"`
	ID             string   `json:"id,omitempty"`
	Version        int64    `json:"version,omitempty"`
	CurrentVersion int64    `json:"currentVersion,omitempty"`
	ChangedFields  []string `json:"changedFields,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

// clientFrame is the client-to-server frame. Action selects the payload
// fields that matter; unknown actions and malformed frames are dropped.
type clientFrame struct {
	Action     string               `json:"action"`
	Table      string               `json:"table,omitempty"`
	Filter     map[string]string    `json:"filter,omitempty"`
	Operations []realtime.Operation `json:"operations,omitempty"`
}

// ServeConn runs the read and write pumps for one registered connection and
// blocks until the socket closes. The hub entry is removed before return, so
// callers never observe a dead connection still subscribed.
func (h *Hub) ServeConn(ctx context.Context, socket *websocket.Conn, conn *Conn) {
	defer h.Remove(conn)
	defer socket.Close()

	go h.writePump(socket, conn)
	h.readPump(ctx, socket, conn)
}

func (h *Hub) readPump(ctx context.Context, socket *websocket.Conn, conn *Conn) {
	socket.SetReadLimit(maxFrameSize)
	_ = socket.SetReadDeadline(time.Now().Add(pongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Printf("ws: read on %s: %v", conn.id, err)
			}
			return
		}
		h.handleFrame(ctx, conn, payload)
	}
}

func (h *Hub) handleFrame(ctx context.Context, conn *Conn, payload []byte) {
	var frame clientFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		h.logger.Printf("ws: drop malformed frame from %s: %v", conn.id, err)
		return
	}

	switch frame.Action {
	case "subscribe":
		if frame.Table == "" {
			return
		}
		h.Subscribe(conn, SubscriptionKey{Table: frame.Table, Filter: frame.Filter})
	case "unsubscribe":
		if frame.Table == "" {
			return
		}
		h.Unsubscribe(conn, SubscriptionKey{Table: frame.Table, Filter: frame.Filter})
	case "write":
		h.handleWriteFrame(ctx, conn, frame.Operations)
	default:
		h.logger.Printf("ws: drop frame with unknown action %q from %s", frame.Action, conn.id)
	}
}

// handleWriteFrame runs a batch submitted over the socket and acks each
// operation back to the submitter. Change fan-out to subscribers happens
// through the normal notification path, not here.
func (h *Hub) handleWriteFrame(ctx context.Context, conn *Conn, ops []realtime.Operation) {
	if h.write == nil || len(ops) == 0 {
		return
	}
	results, err := h.write(ctx, conn.identity, ops)
	if err != nil {
		h.logger.Printf("ws: write batch from %s: %v", conn.id, err)
		return
	}
	for i, result := range results {
		ack := pushMessage{
			Type:           result.Status,
			Table:          ops[i].Table,
			ID:             ops[i].ID,
			Version:        result.NewVersion,
			CurrentVersion: result.CurrentVersion,
			Reason:         result.Reason,
		}
		if message, err := json.Marshal(ack); err == nil {
			h.mu.Lock()
			h.push(conn, message)
			h.mu.Unlock()
		}
	}
}

func (h *Hub) writePump(socket *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer socket.Close()

	for {
		select {
		case message, ok := <-conn.send:
			_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := socket.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
