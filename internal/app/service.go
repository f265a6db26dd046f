// Package app wires the sync core to its HTTP and WebSocket surfaces:
// token auth, connect tickets, the write/read RPCs and the upgrade path.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"beacon/api/internal/auth"
	"beacon/api/internal/rbac"
	"beacon/api/internal/realtime"
	"beacon/api/internal/session"
	"beacon/api/internal/store"
	"beacon/api/internal/ws"
)

// Service glues the realtime core to the surrounding infrastructure. The
// HTTP layer calls into it and stays free of domain logic.
type Service struct {
	realtime  *realtime.Service
	tickets   *session.TicketStore
	hub       *ws.Hub
	records   *store.PostgresStore
	jwtSecret []byte
	logger    *log.Logger
}

type ServiceOptions struct {
	Realtime  *realtime.Service
	Tickets   *session.TicketStore
	Hub       *ws.Hub
	Records   *store.PostgresStore
	JWTSecret []byte
	Logger    *log.Logger
}

func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		realtime:  opts.Realtime,
		tickets:   opts.Tickets,
		hub:       opts.Hub,
		records:   opts.Records,
		jwtSecret: opts.JWTSecret,
		logger:    logger,
	}
}

// Hub exposes the subscription registry for the upgrade handler.
func (s *Service) Hub() *ws.Hub { return s.hub }

// IdentityFromToken verifies a bearer token.
func (s *Service) IdentityFromToken(token string) (auth.Identity, error) {
	return auth.ParseToken(s.jwtSecret, token)
}

// CreateTicket mints a one-time WebSocket connect ticket for the identity.
func (s *Service) CreateTicket(ctx context.Context, identity auth.Identity) (string, error) {
	if s.tickets == nil {
		return "", domainError(http.StatusServiceUnavailable, "TICKETS_UNAVAILABLE", "Ticket store not configured", nil)
	}
	ticket, err := s.tickets.Create(ctx, identity)
	if err != nil {
		return "", fmt.Errorf("create ticket: %w", err)
	}
	return ticket, nil
}

// RedeemTicket consumes a connect ticket.
func (s *Service) RedeemTicket(ctx context.Context, ticket string) (auth.Identity, error) {
	if s.tickets == nil {
		return auth.Identity{}, domainError(http.StatusServiceUnavailable, "TICKETS_UNAVAILABLE", "Ticket store not configured", nil)
	}
	return s.tickets.Redeem(ctx, ticket)
}

// Write runs a batch of operations for the identity. Role capability is
// checked here once; the per-table permission checks scope by workspace.
func (s *Service) Write(ctx context.Context, identity auth.Identity, ops []realtime.Operation) ([]realtime.WriteResult, error) {
	if !rbac.Can(identity.Role, rbac.ActionWrite) {
		results := make([]realtime.WriteResult, len(ops))
		for i := range results {
			results[i] = realtime.WriteResult{Status: realtime.StatusRejected, Reason: realtime.ReasonForbidden}
		}
		return results, nil
	}
	return s.realtime.HandleWrite(ctx, permissionContext(identity), ops)
}

// Read loads records for the identity.
func (s *Service) Read(ctx context.Context, identity auth.Identity, query realtime.ReadQuery) (realtime.ReadResult, error) {
	return s.realtime.HandleGetRecords(ctx, permissionContext(identity), query)
}

// Ping checks database connectivity.
func (s *Service) Ping(ctx context.Context) error {
	if s.records == nil {
		return nil
	}
	return s.records.Ping(ctx)
}

// PingRedis checks ticket store connectivity.
func (s *Service) PingRedis(ctx context.Context) error {
	if s.tickets == nil {
		return nil
	}
	return s.tickets.Ping(ctx)
}

func permissionContext(identity auth.Identity) realtime.PermissionContext {
	return realtime.PermissionContext{
		UserID:      identity.UserID,
		WorkspaceID: identity.WorkspaceID,
		Role:        identity.Role,
	}
}

// RegisterTables declares the synced tables. Workspace scoping is enforced
// per record: a record carries workspaceId in attrs and only members of that
// workspace may touch it.
func RegisterTables(registry *realtime.TableRegistry) error {
	tables := []realtime.TableConfig{
		{
			Name:        "tasks",
			StorageName: "realtime_tasks",
			MutableFields: map[string]struct{}{
				"title":       {},
				"description": {},
				"status":      {},
				"assigneeId":  {},
				"boardId":     {},
				"position":    {},
				"labels":      {},
				"dueDate":     {},
				"workspaceId": {},
			},
			ImmutableFields: []string{"createdBy"},
			Permission:      workspaceScoped,
		},
		{
			Name:            "boards",
			StorageName:     "realtime_boards",
			ImmutableFields: []string{"createdBy", "workspaceId"},
			Permission:      workspaceScoped,
		},
	}
	for _, cfg := range tables {
		if err := registry.Register(cfg); err != nil {
			return fmt.Errorf("register table %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// workspaceScoped confines access to records in the caller's workspace. It
// runs on both reads and writes; record is nil for creates, which land in
// the caller's workspace.
func workspaceScoped(ctx realtime.PermissionContext, record *realtime.Record) realtime.PermissionResult {
	if record == nil {
		return realtime.Allow()
	}
	if workspace, ok := record.Attrs["workspaceId"].(string); ok && workspace != "" && workspace != ctx.WorkspaceID {
		return realtime.Deny("record belongs to another workspace")
	}
	return realtime.Allow()
}
