// Package session provides the Redis-backed store for one-time WebSocket
// connect tickets. Browsers cannot set an Authorization header on a WS
// upgrade, so clients exchange their bearer token for a short-lived
// single-use ticket presented on the query string.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"beacon/api/internal/auth"
	"beacon/api/internal/rbac"
	"beacon/api/internal/util"
)

// ErrTicketNotFound covers unknown, expired and already-redeemed tickets.
var ErrTicketNotFound = errors.New("ticket not found or expired")

type ticketData struct {
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	WorkspaceID string    `json:"workspace_id"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// TicketStore stores connect tickets in Redis.
type TicketStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewTicketStore connects to Redis and verifies the connection.
func NewTicketStore(redisURL string, ttl time.Duration) (*TicketStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewTicketStoreWithClient(client, ttl), nil
}

// NewTicketStoreWithClient builds a store from an existing Redis client.
func NewTicketStoreWithClient(client *redis.Client, ttl time.Duration) *TicketStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &TicketStore{
		client: client,
		prefix: "ticket:",
		ttl:    ttl,
	}
}

func (s *TicketStore) key(ticket string) string {
	return s.prefix + auth.HashToken(ticket)
}

// Create mints a ticket for the identity and stores it with the configured
// TTL. The returned value is the only copy of the raw ticket; Redis holds a
// hash of it.
func (s *TicketStore) Create(ctx context.Context, identity auth.Identity) (string, error) {
	data := ticketData{
		UserID:      identity.UserID,
		Name:        identity.Name,
		WorkspaceID: identity.WorkspaceID,
		Role:        string(identity.Role),
		CreatedAt:   time.Now(),
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal ticket data: %w", err)
	}

	ticket := util.NewID("tkt")
	if err := s.client.Set(ctx, s.key(ticket), jsonData, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("save ticket: %w", err)
	}
	return ticket, nil
}

// Redeem consumes a ticket and returns the identity it was minted for. A
// ticket can be redeemed exactly once.
func (s *TicketStore) Redeem(ctx context.Context, ticket string) (auth.Identity, error) {
	jsonData, err := s.client.GetDel(ctx, s.key(ticket)).Result()
	if err == redis.Nil {
		return auth.Identity{}, ErrTicketNotFound
	}
	if err != nil {
		return auth.Identity{}, fmt.Errorf("redeem ticket: %w", err)
	}

	var data ticketData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return auth.Identity{}, fmt.Errorf("unmarshal ticket data: %w", err)
	}
	return auth.Identity{
		UserID:      data.UserID,
		Name:        data.Name,
		WorkspaceID: data.WorkspaceID,
		Role:        rbac.Normalize(data.Role),
	}, nil
}

// Close closes the Redis connection.
func (s *TicketStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *TicketStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
