package pubsub

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"beacon/api/internal/metrics"
)

const (
	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
)

// PostgresPubSub implements Bus over NOTIFY/LISTEN. Publishes go through the
// pooled database handle; listening uses a dedicated long-lived connection,
// since LISTEN binds to a session and cannot share pooled query connections.
type PostgresPubSub struct {
	db         *sql.DB
	connString string
	logger     *log.Logger

	mu       sync.Mutex
	handlers map[string][]Handler

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPostgresPubSub(db *sql.DB, connString string, logger *log.Logger) *PostgresPubSub {
	if logger == nil {
		logger = log.Default()
	}
	return &PostgresPubSub{
		db:         db,
		connString: connString,
		logger:     logger,
		handlers:   make(map[string][]Handler),
		done:       make(chan struct{}),
	}
}

// Publish sends one notification. Payloads over the backend limit are
// rejected here rather than truncated or dropped by the server.
func (p *PostgresPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if len(payload) > MaxNotifyPayload {
		return fmt.Errorf("publish on %s (%d bytes): %w", channel, len(payload), ErrPayloadTooLarge)
	}
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a handler for a channel. Call before Start; the listen
// loop issues LISTEN for every subscribed channel on each (re)connect.
func (p *PostgresPubSub) Subscribe(channel string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[channel] = append(p.handlers[channel], handler)
}

// Start launches the listen loop. It reconnects with backoff indefinitely:
// cross-process delivery depends on this connection, so it never gives up.
func (p *PostgresPubSub) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.listenLoop(ctx)
}

func (p *PostgresPubSub) listenLoop(ctx context.Context) {
	defer close(p.done)

	delay := reconnectMinDelay
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := pgx.Connect(ctx, p.connString)
		if err != nil {
			p.logger.Printf("pubsub: listen connect failed: %v (retrying in %s)", err, delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		if err := p.listenAll(ctx, conn); err != nil {
			p.logger.Printf("pubsub: LISTEN setup failed: %v (retrying in %s)", err, delay)
			_ = conn.Close(ctx)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = reconnectMinDelay

		for {
			notification, err := conn.WaitForNotification(ctx)
			if ctx.Err() != nil {
				_ = conn.Close(context.Background())
				return
			}
			if err != nil {
				p.logger.Printf("pubsub: listen connection lost: %v", err)
				metrics.ListenReconnects.Inc()
				_ = conn.Close(context.Background())
				break
			}
			p.dispatch(notification.Channel, []byte(notification.Payload))
		}
	}
}

func (p *PostgresPubSub) listenAll(ctx context.Context, conn *pgx.Conn) error {
	p.mu.Lock()
	channels := make([]string, 0, len(p.handlers))
	for channel := range p.handlers {
		channels = append(channels, channel)
	}
	p.mu.Unlock()

	for _, channel := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+quoteChannel(channel)); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	return nil
}

func (p *PostgresPubSub) dispatch(channel string, payload []byte) {
	p.mu.Lock()
	handlers := append([]Handler(nil), p.handlers[channel]...)
	p.mu.Unlock()
	for _, handler := range handlers {
		handler(payload)
	}
}

// Close stops the listen loop and waits for it to exit.
func (p *PostgresPubSub) Close() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done
	return nil
}

func nextDelay(delay time.Duration) time.Duration {
	delay *= 2
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func quoteChannel(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
