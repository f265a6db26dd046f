package pubsub

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"beacon/api/internal/realtime"
)

type recordingNotifier struct {
	notifications []realtime.ChangeNotification
}

func (r *recordingNotifier) Notify(n realtime.ChangeNotification) {
	r.notifications = append(r.notifications, n)
}

func TestChangeBridgeCrossInstance(t *testing.T) {
	bus := NewMemoryBus()
	writer := NewChangeBridge(bus, "changes", nil)
	reader := NewChangeBridge(bus, "changes", nil)

	writerLocal := &recordingNotifier{}
	readerLocal := &recordingNotifier{}
	writer.Bind(writerLocal)
	reader.Bind(readerLocal)

	change := realtime.ChangeNotification{Table: "tasks", ID: "t1", Version: 7, ChangedFields: []string{"title"}}
	if err := writer.PublishChange(context.Background(), change); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// the reader process receives it; the writer skips its own origin
	if len(readerLocal.notifications) != 1 {
		t.Fatalf("reader received %d notifications, want 1", len(readerLocal.notifications))
	}
	got := readerLocal.notifications[0]
	if got.Table != "tasks" || got.ID != "t1" || got.Version != 7 {
		t.Fatalf("notification = %+v", got)
	}
	if len(writerLocal.notifications) != 0 {
		t.Fatalf("writer received its own notification: %+v", writerLocal.notifications)
	}
}

func TestChangeBridgeDropsMalformedPayload(t *testing.T) {
	bus := NewMemoryBus()
	bridge := NewChangeBridge(bus, "changes", nil)
	local := &recordingNotifier{}
	bridge.Bind(local)

	if err := bus.Publish(context.Background(), "changes", []byte("{not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(local.notifications) != 0 {
		t.Fatalf("malformed payload delivered: %+v", local.notifications)
	}
}

func TestChangeBridgeChannelIsolation(t *testing.T) {
	bus := NewMemoryBus()
	writer := NewChangeBridge(bus, "changes", nil)
	other := NewChangeBridge(bus, "other", nil)
	otherLocal := &recordingNotifier{}
	other.Bind(otherLocal)

	if err := writer.PublishChange(context.Background(), realtime.ChangeNotification{Table: "tasks", ID: "t1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(otherLocal.notifications) != 0 {
		t.Fatalf("cross-channel delivery: %+v", otherLocal.notifications)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	envelope := Envelope{
		Origin: "proc-a",
		Notification: realtime.ChangeNotification{
			Table: "boards", ID: "b1", Version: 2, ChangedFields: []string{"name"},
		},
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Origin != "proc-a" || decoded.Notification.Table != "boards" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestMemoryBusPayloadLimit(t *testing.T) {
	bus := NewMemoryBus()
	oversized := []byte(strings.Repeat("x", MaxNotifyPayload+1))
	if err := bus.Publish(context.Background(), "changes", oversized); err != ErrPayloadTooLarge {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	atLimit := []byte(strings.Repeat("x", MaxNotifyPayload))
	if err := bus.Publish(context.Background(), "changes", atLimit); err != nil {
		t.Fatalf("at-limit publish: %v", err)
	}
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemoryBus()
	local := &recordingNotifier{}
	bridge := NewChangeBridge(bus, "changes", nil)
	bridge.Bind(local)

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	other := NewChangeBridge(bus, "changes", nil)
	if err := other.PublishChange(context.Background(), realtime.ChangeNotification{Table: "tasks", ID: "t1"}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
	if len(local.notifications) != 0 {
		t.Fatalf("delivery after close: %+v", local.notifications)
	}
}
