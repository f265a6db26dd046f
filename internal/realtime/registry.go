package realtime

import (
	"fmt"
	"sync"
)

// PermissionCheck decides whether the caller may touch a record of this
// table. record is nil when the operation creates a new record.
type PermissionCheck func(ctx PermissionContext, record *Record) PermissionResult

// TableConfig declares a logical table the sync core may write.
type TableConfig struct {
	Name        string
	StorageName string
	PrimaryKey  string
	// MutableFields is the allowlist of writable field paths. nil means every
	// field except the protected and immutable ones.
	MutableFields   map[string]struct{}
	ImmutableFields []string
	Permission      PermissionCheck
}

// DuplicateTableError is returned when a table name is registered twice.
// Registration is a startup-time, append-only operation.
type DuplicateTableError struct {
	Name string
}

func (e *DuplicateTableError) Error() string {
	return fmt.Sprintf("table %q already registered", e.Name)
}

// UnknownTableError is returned when a lookup names an unregistered table.
type UnknownTableError struct {
	Name string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("table %q not registered", e.Name)
}

// TableRegistry maps logical table names to their configs. It is an explicit
// value injected into handler constructors at wiring time so tests run with
// fresh registries.
type TableRegistry struct {
	mu     sync.RWMutex
	tables map[string]TableConfig
}

func NewTableRegistry() *TableRegistry {
	return &TableRegistry{tables: make(map[string]TableConfig)}
}

// Register adds a table config. Defaults are filled in: StorageName falls
// back to the logical name and PrimaryKey to "id".
func (r *TableRegistry) Register(cfg TableConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("table config requires a name")
	}
	if cfg.StorageName == "" {
		cfg.StorageName = cfg.Name
	}
	if cfg.PrimaryKey == "" {
		cfg.PrimaryKey = "id"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tables[cfg.Name]; exists {
		return &DuplicateTableError{Name: cfg.Name}
	}
	r.tables[cfg.Name] = cfg
	return nil
}

// Lookup returns the config for a logical table name.
func (r *TableRegistry) Lookup(name string) (TableConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.tables[name]
	return cfg, ok
}

// ResolveStorageName maps a logical table name to its storage table.
func (r *TableRegistry) ResolveStorageName(name string) (string, error) {
	cfg, ok := r.Lookup(name)
	if !ok {
		return "", &UnknownTableError{Name: name}
	}
	return cfg.StorageName, nil
}

// IsTableAllowed is the fast-path existence check run before any database
// access. Unregistered tables fail closed.
func (r *TableRegistry) IsTableAllowed(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered logical table names.
func (r *TableRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	return names
}

// check permission for a record, treating a nil check as allowed.
func checkPermission(cfg TableConfig, ctx PermissionContext, record *Record) PermissionResult {
	if cfg.Permission == nil {
		return Allow()
	}
	return cfg.Permission(ctx, record)
}
