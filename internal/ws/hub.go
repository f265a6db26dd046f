// Package ws holds the WebSocket subscription registry: which live
// connections exist on this process and which table slices each one wants
// change notifications for. The registry is strictly process-local; cross-
// process reach comes from the pub/sub bridge, not from shared state.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"beacon/api/internal/auth"
	"beacon/api/internal/metrics"
	"beacon/api/internal/realtime"
)

// SubscriptionKey identifies the subset of a table's records a connection
// cares about. An empty filter means the whole table.
type SubscriptionKey struct {
	Table  string            `json:"table"`
	Filter map[string]string `json:"filter,omitempty"`
}

// canonical renders the key deterministically so subscribing twice to the
// same key dedupes.
func (k SubscriptionKey) canonical() string {
	if len(k.Filter) == 0 {
		return k.Table
	}
	pairs := make([]string, 0, len(k.Filter))
	for field, value := range k.Filter {
		pairs = append(pairs, field+"="+value)
	}
	sort.Strings(pairs)
	return k.Table + "?" + strings.Join(pairs, "&")
}

// matches reports whether a notification falls inside this key's slice. Only
// the id filter can be evaluated against the compact payload; other filters
// match table-wide and the subscriber re-fetches through the read path.
func (k SubscriptionKey) matches(n realtime.ChangeNotification) bool {
	if k.Table != n.Table {
		return false
	}
	if id, ok := k.Filter["id"]; ok && id != n.ID {
		return false
	}
	return true
}

// Stats is this process's local view of the registry. Cheap to compute: it
// only walks the registry's own maps.
type Stats struct {
	Connections   int            `json:"connections"`
	Subscriptions int            `json:"subscriptions"`
	Tables        map[string]int `json:"tables"`
}

// WriteFunc handles write frames submitted over a connection.
type WriteFunc func(ctx context.Context, identity auth.Identity, ops []realtime.Operation) ([]realtime.WriteResult, error)

// Conn is one registered connection. Lifecycle: registered -> subscribed to
// zero or more keys -> removed on disconnect.
type Conn struct {
	id       string
	identity auth.Identity
	keys     map[string]SubscriptionKey
	send     chan []byte
	closed   bool
}

// ID returns the registry key for this connection.
func (c *Conn) ID() string { return c.id }

// Identity returns the verified identity bound at registration.
func (c *Conn) Identity() auth.Identity { return c.identity }

// subscribers groups the connections holding one subscription key.
type subscribers struct {
	key   SubscriptionKey
	conns map[string]*Conn
}

// Hub tracks live connections and their subscription keys.
type Hub struct {
	verifier auth.Verifier
	write    WriteFunc
	logger   *log.Logger

	mu    sync.Mutex
	conns map[string]*Conn
	subs  map[string]*subscribers
}

// Options configure a Hub. TokenVerifier is required; Write is optional and
// enables write frames on the socket.
type Options struct {
	TokenVerifier auth.Verifier
	Write         WriteFunc
	Logger        *log.Logger
}

func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		verifier: opts.TokenVerifier,
		write:    opts.Write,
		logger:   logger,
		conns:    make(map[string]*Conn),
		subs:     make(map[string]*subscribers),
	}
}

// Register verifies the connection token and adds the connection with an
// empty subscription set.
func (h *Hub) Register(token string) (*Conn, error) {
	identity, err := h.verifier(token)
	if err != nil {
		return nil, err
	}
	return h.RegisterIdentity(identity), nil
}

// RegisterIdentity adds a connection for an identity that was already
// verified (the ticket redemption path).
func (h *Hub) RegisterIdentity(identity auth.Identity) *Conn {
	conn := &Conn{
		id:       uuid.NewString(),
		identity: identity,
		keys:     make(map[string]SubscriptionKey),
		send:     make(chan []byte, 64),
	}

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	metrics.WSConnections.Inc()
	return conn
}

// Subscribe adds a key to the connection's set. Subscribing twice to the
// same key is a no-op.
func (h *Hub) Subscribe(conn *Conn, key SubscriptionKey) {
	canonical := key.canonical()

	h.mu.Lock()
	defer h.mu.Unlock()
	if conn.closed {
		return
	}
	if _, exists := conn.keys[canonical]; exists {
		return
	}
	conn.keys[canonical] = key

	entry, ok := h.subs[canonical]
	if !ok {
		entry = &subscribers{key: key, conns: make(map[string]*Conn)}
		h.subs[canonical] = entry
	}
	entry.conns[conn.id] = conn
	metrics.WSSubscriptions.WithLabelValues(key.Table).Inc()
}

// Unsubscribe removes a key from the connection's set; unknown keys are a
// no-op.
func (h *Hub) Unsubscribe(conn *Conn, key SubscriptionKey) {
	canonical := key.canonical()

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := conn.keys[canonical]; !exists {
		return
	}
	delete(conn.keys, canonical)
	h.dropSubscription(conn, canonical)
}

// Remove drops the connection and all its keys in one critical section.
// Delivery also runs under the same lock, so no notification can reach a
// connection after Remove returns.
func (h *Hub) Remove(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn.closed {
		return
	}
	conn.closed = true
	delete(h.conns, conn.id)
	for canonical := range conn.keys {
		h.dropSubscription(conn, canonical)
	}
	conn.keys = make(map[string]SubscriptionKey)
	close(conn.send)
	metrics.WSConnections.Dec()
}

// dropSubscription removes one registry entry; caller holds h.mu.
func (h *Hub) dropSubscription(conn *Conn, canonical string) {
	entry, ok := h.subs[canonical]
	if !ok {
		return
	}
	if _, member := entry.conns[conn.id]; !member {
		return
	}
	delete(entry.conns, conn.id)
	metrics.WSSubscriptions.WithLabelValues(entry.key.Table).Dec()
	if len(entry.conns) == 0 {
		delete(h.subs, canonical)
	}
}

// Notify pushes a change notification to every local connection holding a
// matching key. A connection subscribed through several matching keys
// receives the message once.
func (h *Hub) Notify(n realtime.ChangeNotification) {
	message, err := json.Marshal(pushMessage{
		Type:          "change",
		Table:         n.Table,
		ID:            n.ID,
		Version:       n.Version,
		ChangedFields: n.ChangedFields,
	})
	if err != nil {
		h.logger.Printf("ws: marshal change push: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := make(map[string]struct{})
	for _, entry := range h.subs {
		if !entry.key.matches(n) {
			continue
		}
		for id, conn := range entry.conns {
			if _, done := delivered[id]; done {
				continue
			}
			delivered[id] = struct{}{}
			h.push(conn, message)
		}
	}
}

// push enqueues a message for the connection's write pump; caller holds
// h.mu. Slow consumers drop messages rather than stall delivery to others.
func (h *Hub) push(conn *Conn, message []byte) {
	if conn.closed {
		return
	}
	select {
	case conn.send <- message:
		metrics.NotificationsDelivered.Inc()
	default:
		h.logger.Printf("ws: drop push to slow connection %s", conn.id)
	}
}

// Stats returns this process's local registry counts.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := Stats{
		Connections: len(h.conns),
		Tables:      make(map[string]int),
	}
	for _, entry := range h.subs {
		stats.Subscriptions += len(entry.conns)
		stats.Tables[entry.key.Table] += len(entry.conns)
	}
	return stats
}
