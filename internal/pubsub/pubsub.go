// Package pubsub carries committed change notifications between server
// processes. Every process publishes to and listens on one shared channel;
// that broadcast is what lets a write on process A reach a subscriber whose
// WebSocket lives on process B.
package pubsub

import (
	"context"
	"errors"
)

// MaxNotifyPayload is the largest payload accepted for publication. Postgres
// rejects NOTIFY payloads near 8000 bytes; enforcing the cap here turns a
// silent backend failure into a clear publish-time error.
const MaxNotifyPayload = 8000

// ErrPayloadTooLarge is returned by Publish for oversized payloads.
var ErrPayloadTooLarge = errors.New("pubsub payload exceeds notify size limit")

// Handler receives the raw payload of one notification.
type Handler func(payload []byte)

// Bus is the cross-process notification transport.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, handler Handler)
	Close() error
}
