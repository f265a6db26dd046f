// Package realtime implements the record synchronization core: applying
// client-submitted patch operations with optimistic version checks, gating
// writes through per-table permission rules, and emitting change
// notifications for fan-out to live subscribers.
package realtime

import "beacon/api/internal/rbac"

// Operation is one client-submitted patch targeting a single record. Version
// is the record version the client last observed; it must match the persisted
// version for the operation to be accepted.
type Operation struct {
	Table   string         `json:"table"`
	ID      string         `json:"id"`
	Version int64          `json:"version"`
	Patch   map[string]any `json:"patch"`
}

// RecordKey identifies a record across tables.
type RecordKey struct {
	Table string
	ID    string
}

// Record is a transient copy of a stored record held during one write/read
// cycle. Attrs never contains the id or version fields; those live on the
// struct itself.
type Record struct {
	Table   string         `json:"table"`
	ID      string         `json:"id"`
	Version int64          `json:"version"`
	Attrs   map[string]any `json:"attrs"`
}

// Clone returns a deep copy so the engine can mutate freely.
func (r Record) Clone() Record {
	out := r
	out.Attrs = cloneMap(r.Attrs)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Write result statuses.
const (
	StatusApplied  = "applied"
	StatusConflict = "conflict"
	StatusNotFound = "not_found"
	StatusRejected = "rejected"
)

// Rejection reasons surfaced to the caller as data, never as HTTP 5xx.
const (
	ReasonUnknownTable   = "unknown_table"
	ReasonForbidden      = "forbidden"
	ReasonImmutableField = "immutable_field"
	ReasonPersistFailed  = "persist_failed"
)

// WriteResult reports the outcome of a single operation. The batch result
// slice preserves the input order.
type WriteResult struct {
	Status         string `json:"status"`
	NewVersion     int64  `json:"newVersion,omitempty"`
	CurrentVersion int64  `json:"currentVersion,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ChangeNotification is the compact payload broadcast after a committed
// write. It deliberately excludes record values; subscribers re-fetch through
// the read path when they need full data.
type ChangeNotification struct {
	Table         string   `json:"table"`
	ID            string   `json:"id"`
	Version       int64    `json:"version"`
	ChangedFields []string `json:"changedFields"`
}

// PermissionContext carries the caller identity handed to table permission
// checks. The core never issues or validates credentials itself.
type PermissionContext struct {
	UserID      string
	WorkspaceID string
	Role        rbac.Role
}

// PermissionResult is returned by permission checks. Denials are data, not
// errors, so a mixed batch can report per-operation reasons.
type PermissionResult struct {
	Allowed bool
	Reason  string
}

// Allow is the zero-friction allowed result.
func Allow() PermissionResult { return PermissionResult{Allowed: true} }

// Deny returns a denied result with a reason for the caller.
func Deny(reason string) PermissionResult { return PermissionResult{Reason: reason} }
