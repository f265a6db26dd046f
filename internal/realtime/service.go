package realtime

import (
	"context"
	"fmt"
	"log"
	"sort"

	"beacon/api/internal/metrics"
)

// RecordStore is the storage collaborator. LoadRecords fetches current state
// for a set of ids in one batched read; SaveRecords persists a table's
// sub-batch in a single transaction.
type RecordStore interface {
	LoadRecords(ctx context.Context, storageName string, ids []string) (map[string]Record, error)
	SaveRecords(ctx context.Context, storageName string, records []Record) error
	QueryRecords(ctx context.Context, storageName string, filter map[string]any, limit int) ([]Record, error)
}

// Publisher pushes a committed change onto the cross-process bus. Publish
// failures are best-effort: the write already committed and clients can
// always re-read.
type Publisher interface {
	PublishChange(ctx context.Context, n ChangeNotification) error
}

// Notifier delivers a notification to this process's own live subscribers.
// The writer's process notifies local connections directly instead of waiting
// for the round-trip through the bus.
type Notifier interface {
	Notify(n ChangeNotification)
}

// Service orchestrates the write and read paths: permission gate, version
// conflict detection, operation application, persistence, and change
// publication.
type Service struct {
	registry  *TableRegistry
	store     RecordStore
	publisher Publisher
	local     Notifier
	logger    *log.Logger
}

func NewService(registry *TableRegistry, store RecordStore, publisher Publisher, local Notifier, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		registry:  registry,
		store:     store,
		publisher: publisher,
		local:     local,
		logger:    logger,
	}
}

// Registry exposes the table registry for bootstrap-time registration.
func (s *Service) Registry() *TableRegistry { return s.registry }

// HandleWrite processes a batch of operations and returns one result per
// operation, order-preserving relative to the input. Per-operation failures
// (unknown table, forbidden, conflicts, immutable fields, persist failures)
// are reported as results; only storage failures that make the whole batch
// meaningless propagate as errors.
func (s *Service) HandleWrite(ctx context.Context, pctx PermissionContext, ops []Operation) ([]WriteResult, error) {
	results := make([]WriteResult, len(ops))

	byTable := make(map[string][]int)
	tableOrder := make([]string, 0)
	for i, op := range ops {
		if _, seen := byTable[op.Table]; !seen {
			tableOrder = append(tableOrder, op.Table)
		}
		byTable[op.Table] = append(byTable[op.Table], i)
	}

	for _, table := range tableOrder {
		indices := byTable[table]
		cfg, ok := s.registry.Lookup(table)
		if !ok {
			for _, i := range indices {
				results[i] = WriteResult{Status: StatusRejected, Reason: ReasonUnknownTable}
			}
			continue
		}
		if err := s.writeTableBatch(ctx, pctx, cfg, ops, indices, results); err != nil {
			return nil, err
		}
	}

	for _, result := range results {
		metrics.WriteResults.WithLabelValues(result.Status).Inc()
	}
	return results, nil
}

// writeTableBatch runs steps 2-8 of the write path for one table's
// operations. Indices point into ops/results so ordering is preserved.
func (s *Service) writeTableBatch(ctx context.Context, pctx PermissionContext, cfg TableConfig, ops []Operation, indices []int, results []WriteResult) error {
	ids := make([]string, 0, len(indices))
	seen := make(map[string]struct{}, len(indices))
	for _, i := range indices {
		if _, dup := seen[ops[i].ID]; dup {
			continue
		}
		seen[ops[i].ID] = struct{}{}
		ids = append(ids, ops[i].ID)
	}

	loaded, err := s.store.LoadRecords(ctx, cfg.StorageName, ids)
	if err != nil {
		return fmt.Errorf("load records for %s: %w", cfg.Name, err)
	}

	// Permission gate. Denied operations report forbidden without touching
	// version state.
	remaining := make([]int, 0, len(indices))
	for _, i := range indices {
		var record *Record
		if current, ok := loaded[ops[i].ID]; ok {
			copied := current.Clone()
			record = &copied
		}
		if outcome := checkPermission(cfg, pctx, record); !outcome.Allowed {
			results[i] = WriteResult{Status: StatusRejected, Reason: ReasonForbidden}
			continue
		}
		remaining = append(remaining, i)
	}
	if len(remaining) == 0 {
		return nil
	}

	snapshot := make(map[RecordKey]Record, len(loaded))
	for id, record := range loaded {
		snapshot[RecordKey{Table: cfg.Name, ID: id}] = record
	}
	batch := make([]Operation, len(remaining))
	for n, i := range remaining {
		batch[n] = ops[i]
	}
	report := CheckVersionConflicts(snapshot, batch)

	for _, conflict := range report.Conflicts {
		i := remaining[conflict.Index]
		if conflict.NotFound {
			results[i] = WriteResult{Status: StatusNotFound}
			continue
		}
		results[i] = WriteResult{Status: StatusConflict, CurrentVersion: conflict.CurrentVersion}
	}

	// Apply accepted operations sequentially over working copies so multiple
	// operations on the same record within the batch compose.
	working := make(map[string]Record, len(loaded))
	for id, record := range loaded {
		working[id] = record
	}
	type pendingChange struct {
		index   int
		id      string
		touched []string
	}
	applied := make([]pendingChange, 0, len(report.Accepted))
	for _, accepted := range report.Accepted {
		i := remaining[accepted.Index]
		op := accepted.Operation
		current, ok := working[op.ID]
		if !ok {
			current = Record{Table: cfg.Name, ID: op.ID, Version: 0, Attrs: map[string]any{}}
		}
		updated, touched, err := ApplyOperation(current, op, cfg)
		if err != nil {
			results[i] = WriteResult{Status: StatusRejected, Reason: ReasonImmutableField}
			continue
		}
		updated.Table = cfg.Name
		updated.ID = op.ID
		working[op.ID] = updated
		applied = append(applied, pendingChange{index: i, id: op.ID, touched: touched})
	}
	if len(applied) == 0 {
		return nil
	}

	changed := make(map[string]struct{}, len(applied))
	for _, change := range applied {
		changed[change.id] = struct{}{}
	}
	dirty := make([]Record, 0, len(changed))
	for id := range changed {
		dirty = append(dirty, working[id])
	}

	if err := s.store.SaveRecords(ctx, cfg.StorageName, dirty); err != nil {
		s.logger.Printf("persist failed for table %s: %v", cfg.Name, err)
		for _, change := range applied {
			results[change.index] = WriteResult{Status: StatusRejected, Reason: ReasonPersistFailed}
		}
		return nil
	}

	for _, change := range applied {
		record := working[change.id]
		results[change.index] = WriteResult{Status: StatusApplied, NewVersion: record.Version}
	}

	// One notification per persisted record, carrying the union of fields the
	// batch touched on it.
	touchedByID := make(map[string]map[string]struct{}, len(changed))
	for _, change := range applied {
		set, ok := touchedByID[change.id]
		if !ok {
			set = make(map[string]struct{})
			touchedByID[change.id] = set
		}
		for _, field := range change.touched {
			set[field] = struct{}{}
		}
	}
	for id := range changed {
		record := working[id]
		fields := make([]string, 0, len(touchedByID[id]))
		for field := range touchedByID[id] {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		s.notify(ctx, ChangeNotification{
			Table:         cfg.Name,
			ID:            id,
			Version:       record.Version,
			ChangedFields: fields,
		})
	}
	return nil
}

func (s *Service) notify(ctx context.Context, n ChangeNotification) {
	if s.local != nil {
		s.local.Notify(n)
	}
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishChange(ctx, n); err != nil {
		// Best-effort: the write already committed.
		s.logger.Printf("publish change for %s/%s failed: %v", n.Table, n.ID, err)
	}
}

// ReadQuery requests records by ids or by an attribute filter.
type ReadQuery struct {
	Table  string         `json:"table"`
	IDs    []string       `json:"ids,omitempty"`
	Filter map[string]any `json:"filter,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}

// ReadResult pairs the loaded records with the ids that could not be found.
// Records the caller may not read are reported as not found rather than
// leaked.
type ReadResult struct {
	Records  []Record `json:"records"`
	NotFound []string `json:"notFound"`
}

// HandleGetRecords loads records subject to the same permission gate as
// writes. Reads never mutate versions; this is how clients refresh after a
// conflict.
func (s *Service) HandleGetRecords(ctx context.Context, pctx PermissionContext, query ReadQuery) (ReadResult, error) {
	cfg, ok := s.registry.Lookup(query.Table)
	if !ok {
		return ReadResult{}, &UnknownTableError{Name: query.Table}
	}

	result := ReadResult{Records: []Record{}, NotFound: []string{}}
	if len(query.IDs) > 0 {
		loaded, err := s.store.LoadRecords(ctx, cfg.StorageName, query.IDs)
		if err != nil {
			return ReadResult{}, fmt.Errorf("load records for %s: %w", cfg.Name, err)
		}
		for _, id := range query.IDs {
			record, ok := loaded[id]
			if !ok {
				result.NotFound = append(result.NotFound, id)
				continue
			}
			record.Table = cfg.Name
			if outcome := checkPermission(cfg, pctx, &record); !outcome.Allowed {
				result.NotFound = append(result.NotFound, id)
				continue
			}
			result.Records = append(result.Records, record)
		}
		return result, nil
	}

	records, err := s.store.QueryRecords(ctx, cfg.StorageName, query.Filter, query.Limit)
	if err != nil {
		return ReadResult{}, fmt.Errorf("query records for %s: %w", cfg.Name, err)
	}
	for _, record := range records {
		record.Table = cfg.Name
		if outcome := checkPermission(cfg, pctx, &record); !outcome.Allowed {
			continue
		}
		result.Records = append(result.Records, record)
	}
	return result, nil
}
