package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"beacon/api/internal/metrics"
	"beacon/api/internal/realtime"
)

// Envelope wraps a change notification with the publishing process's origin
// id. A process skips its own notifications on receipt because the writer
// already delivered to its local subscribers before publishing.
type Envelope struct {
	Origin       string                      `json:"origin"`
	Notification realtime.ChangeNotification `json:"notification"`
}

// ChangeBridge adapts a Bus to the realtime service's publisher contract and
// fans received notifications out to a local notifier.
type ChangeBridge struct {
	bus     Bus
	channel string
	origin  string
	logger  *log.Logger
}

func NewChangeBridge(bus Bus, channel string, logger *log.Logger) *ChangeBridge {
	if logger == nil {
		logger = log.Default()
	}
	return &ChangeBridge{
		bus:     bus,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Origin identifies this process on the wire.
func (b *ChangeBridge) Origin() string { return b.origin }

// PublishChange puts one committed change on the bus.
func (b *ChangeBridge) PublishChange(ctx context.Context, n realtime.ChangeNotification) error {
	payload, err := json.Marshal(Envelope{Origin: b.origin, Notification: n})
	if err != nil {
		return fmt.Errorf("marshal change envelope: %w", err)
	}
	if err := b.bus.Publish(ctx, b.channel, payload); err != nil {
		return err
	}
	metrics.NotificationsPublished.Inc()
	return nil
}

// Bind registers the receive side: notifications from other processes are
// forwarded to the local notifier. Malformed payloads are logged and
// dropped.
func (b *ChangeBridge) Bind(local realtime.Notifier) {
	b.bus.Subscribe(b.channel, func(payload []byte) {
		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			b.logger.Printf("pubsub: drop malformed change payload: %v", err)
			return
		}
		if envelope.Origin == b.origin {
			return
		}
		local.Notify(envelope.Notification)
	})
}
