package app

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"beacon/api/internal/auth"
	"beacon/api/internal/rbac"
	"beacon/api/internal/realtime"
)

func dialWS(t *testing.T, serverURL, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/realtime/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscriptions(t *testing.T, svc *Service, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.Hub().Stats().Subscriptions == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriptions never reached %d, stats=%+v", want, svc.Hub().Stats())
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("parse frame %s: %v", payload, err)
	}
	return frame
}

func TestWebSocketChangeDelivery(t *testing.T) {
	records := newFakeRecords(realtime.Record{
		Table: "tasks", ID: "t1", Version: 1,
		Attrs: map[string]any{"workspaceId": "ws-1"},
	})
	svc := newTestService(t, records)
	ts := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer ts.Close()

	ticket, err := svc.CreateTicket(context.Background(), auth.Identity{
		UserID: "user-1", WorkspaceID: "ws-1", Role: rbac.RoleEditor,
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	conn := dialWS(t, ts.URL, "?ticket="+ticket)
	if err := conn.WriteJSON(map[string]any{"action": "subscribe", "table": "tasks"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitForSubscriptions(t, svc, 1)

	results, err := svc.Write(context.Background(), auth.Identity{
		UserID: "user-2", WorkspaceID: "ws-1", Role: rbac.RoleEditor,
	}, []realtime.Operation{
		{Table: "tasks", ID: "t1", Version: 1, Patch: map[string]any{"title": "pushed"}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if results[0].Status != realtime.StatusApplied {
		t.Fatalf("result = %+v", results[0])
	}

	frame := readFrame(t, conn)
	if frame["type"] != "change" || frame["table"] != "tasks" || frame["id"] != "t1" {
		t.Fatalf("frame = %v", frame)
	}
	if frame["version"] != float64(2) {
		t.Fatalf("version = %v", frame["version"])
	}
}

func TestWebSocketWriteFrame(t *testing.T) {
	records := newFakeRecords(realtime.Record{
		Table: "tasks", ID: "t1", Version: 3,
		Attrs: map[string]any{"workspaceId": "ws-1"},
	})
	svc := newTestService(t, records)
	ts := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer ts.Close()

	ticket, err := svc.CreateTicket(context.Background(), auth.Identity{
		UserID: "user-1", WorkspaceID: "ws-1", Role: rbac.RoleEditor,
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	conn := dialWS(t, ts.URL, "?ticket="+ticket)

	if err := conn.WriteJSON(map[string]any{
		"action": "write",
		"operations": []map[string]any{
			{"table": "tasks", "id": "t1", "version": 3, "patch": map[string]any{"status": "done"}},
		},
	}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	ack := readFrame(t, conn)
	if ack["type"] != realtime.StatusApplied || ack["version"] != float64(4) {
		t.Fatalf("ack = %v", ack)
	}
}

func TestWebSocketRejectsBadTicket(t *testing.T) {
	svc := newTestService(t, newFakeRecords())
	ts := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/realtime/ws?ticket=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("resp = %+v", resp)
	}
}
