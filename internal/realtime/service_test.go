package realtime

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"beacon/api/internal/rbac"
)

type fakeStore struct {
	loadRecords  func(ctx context.Context, storageName string, ids []string) (map[string]Record, error)
	saveRecords  func(ctx context.Context, storageName string, records []Record) error
	queryRecords func(ctx context.Context, storageName string, filter map[string]any, limit int) ([]Record, error)
}

func (f *fakeStore) LoadRecords(ctx context.Context, storageName string, ids []string) (map[string]Record, error) {
	if f.loadRecords != nil {
		return f.loadRecords(ctx, storageName, ids)
	}
	return map[string]Record{}, nil
}

func (f *fakeStore) SaveRecords(ctx context.Context, storageName string, records []Record) error {
	if f.saveRecords != nil {
		return f.saveRecords(ctx, storageName, records)
	}
	return nil
}

func (f *fakeStore) QueryRecords(ctx context.Context, storageName string, filter map[string]any, limit int) ([]Record, error) {
	if f.queryRecords != nil {
		return f.queryRecords(ctx, storageName, filter, limit)
	}
	return nil, nil
}

type capturingNotifier struct {
	notifications []ChangeNotification
}

func (c *capturingNotifier) Notify(n ChangeNotification) {
	c.notifications = append(c.notifications, n)
}

type capturingPublisher struct {
	published []ChangeNotification
	err       error
}

func (c *capturingPublisher) PublishChange(_ context.Context, n ChangeNotification) error {
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, n)
	return nil
}

// memStore is a tiny in-memory RecordStore for multi-step scenarios.
type memStore struct {
	records map[string]Record
	saveErr error
}

func newMemStore(records ...Record) *memStore {
	s := &memStore{records: make(map[string]Record)}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *memStore) LoadRecords(_ context.Context, _ string, ids []string) (map[string]Record, error) {
	out := make(map[string]Record)
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			out[id] = r.Clone()
		}
	}
	return out, nil
}

func (s *memStore) SaveRecords(_ context.Context, _ string, records []Record) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	for _, r := range records {
		s.records[r.ID] = r.Clone()
	}
	return nil
}

func (s *memStore) QueryRecords(_ context.Context, _ string, filter map[string]any, limit int) ([]Record, error) {
	var out []Record
	for _, r := range s.records {
		match := true
		for field, want := range filter {
			if r.Attrs[field] != want {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		out = append(out, r.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func newTestService(t *testing.T, store RecordStore, tables ...TableConfig) (*Service, *capturingNotifier, *capturingPublisher) {
	t.Helper()
	registry := NewTableRegistry()
	if len(tables) == 0 {
		tables = []TableConfig{{Name: "tasks", StorageName: "realtime_tasks"}}
	}
	for _, cfg := range tables {
		if err := registry.Register(cfg); err != nil {
			t.Fatalf("register %s: %v", cfg.Name, err)
		}
	}
	local := &capturingNotifier{}
	publisher := &capturingPublisher{}
	return NewService(registry, store, publisher, local, nil), local, publisher
}

func editorCtx() PermissionContext {
	return PermissionContext{UserID: "u1", WorkspaceID: "w1", Role: rbac.RoleEditor}
}

func TestHandleWriteAppliesAndNotifies(t *testing.T) {
	store := newMemStore(Record{Table: "tasks", ID: "t1", Version: 2, Attrs: map[string]any{"title": "old"}})
	svc, local, publisher := newTestService(t, store)

	results, err := svc.HandleWrite(context.Background(), editorCtx(), []Operation{
		{Table: "tasks", ID: "t1", Version: 2, Patch: map[string]any{"title": "new", "status": "done"}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if results[0].Status != StatusApplied || results[0].NewVersion != 3 {
		t.Fatalf("result = %+v", results[0])
	}

	persisted := store.records["t1"]
	if persisted.Version != 3 || persisted.Attrs["title"] != "new" {
		t.Fatalf("persisted = %+v", persisted)
	}

	if len(local.notifications) != 1 || len(publisher.published) != 1 {
		t.Fatalf("notifications local=%d published=%d, want 1 each", len(local.notifications), len(publisher.published))
	}
	n := local.notifications[0]
	if n.Table != "tasks" || n.ID != "t1" || n.Version != 3 {
		t.Fatalf("notification = %+v", n)
	}
	if want := []string{"status", "title"}; !reflect.DeepEqual(n.ChangedFields, want) {
		t.Fatalf("changedFields = %v, want %v", n.ChangedFields, want)
	}
}

func TestHandleWriteVersionZeroCreates(t *testing.T) {
	store := newMemStore()
	svc, _, _ := newTestService(t, store)

	results, err := svc.HandleWrite(context.Background(), editorCtx(), []Operation{
		{Table: "tasks", ID: "fresh", Version: 0, Patch: map[string]any{"title": "hello"}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if results[0].Status != StatusApplied || results[0].NewVersion != 1 {
		t.Fatalf("result = %+v", results[0])
	}
	if store.records["fresh"].Attrs["title"] != "hello" {
		t.Fatalf("persisted = %+v", store.records["fresh"])
	}
}

func TestHandleWriteMixedBatchPreservesOrder(t *testing.T) {
	store := newMemStore(
		Record{Table: "tasks", ID: "a", Version: 1, Attrs: map[string]any{}},
		Record{Table: "tasks", ID: "b", Version: 4, Attrs: map[string]any{}},
	)
	svc, _, _ := newTestService(t, store)

	results, err := svc.HandleWrite(context.Background(), editorCtx(), []Operation{
		{Table: "tasks", ID: "a", Version: 1, Patch: map[string]any{"x": 1}},
		{Table: "tasks", ID: "b", Version: 3, Patch: map[string]any{"x": 1}},
		{Table: "tasks", ID: "gone", Version: 7, Patch: map[string]any{"x": 1}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if results[0].Status != StatusApplied {
		t.Fatalf("results[0] = %+v", results[0])
	}
	if results[1].Status != StatusConflict || results[1].CurrentVersion != 4 {
		t.Fatalf("results[1] = %+v", results[1])
	}
	if results[2].Status != StatusNotFound {
		t.Fatalf("results[2] = %+v", results[2])
	}
}

func TestHandleWriteSameRecordTwice(t *testing.T) {
	store := newMemStore(Record{Table: "tasks", ID: "t1", Version: 1, Attrs: map[string]any{}})
	svc, local, _ := newTestService(t, store)

	results, err := svc.HandleWrite(context.Background(), editorCtx(), []Operation{
		{Table: "tasks", ID: "t1", Version: 1, Patch: map[string]any{"a": 1}},
		{Table: "tasks", ID: "t1", Version: 2, Patch: map[string]any{"b": 2}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if results[0].NewVersion != 2 || results[1].NewVersion != 3 {
		t.Fatalf("results = %+v", results)
	}
	if store.records["t1"].Version != 3 {
		t.Fatalf("persisted version = %d, want 3", store.records["t1"].Version)
	}

	// one notification per record, fields unioned
	if len(local.notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(local.notifications))
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(local.notifications[0].ChangedFields, want) {
		t.Fatalf("changedFields = %v, want %v", local.notifications[0].ChangedFields, want)
	}
}

func TestHandleWriteUnknownTable(t *testing.T) {
	svc, local, _ := newTestService(t, newMemStore())

	results, err := svc.HandleWrite(context.Background(), editorCtx(), []Operation{
		{Table: "users", ID: "u1", Version: 0, Patch: map[string]any{"x": 1}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if results[0].Status != StatusRejected || results[0].Reason != ReasonUnknownTable {
		t.Fatalf("result = %+v", results[0])
	}
	if len(local.notifications) != 0 {
		t.Fatalf("unexpected notifications: %+v", local.notifications)
	}
}

func TestHandleWriteForbidden(t *testing.T) {
	store := newMemStore(Record{Table: "tasks", ID: "t1", Version: 1, Attrs: map[string]any{"ownerId": "someone-else"}})
	gated := TableConfig{
		Name:        "tasks",
		StorageName: "realtime_tasks",
		Permission: func(ctx PermissionContext, record *Record) PermissionResult {
			if record != nil && record.Attrs["ownerId"] != ctx.UserID {
				return Deny("not the owner")
			}
			return Allow()
		},
	}
	svc, local, _ := newTestService(t, store, gated)

	results, err := svc.HandleWrite(context.Background(), editorCtx(), []Operation{
		{Table: "tasks", ID: "t1", Version: 1, Patch: map[string]any{"title": "mine now"}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if results[0].Status != StatusRejected || results[0].Reason != ReasonForbidden {
		t.Fatalf("result = %+v", results[0])
	}
	if store.records["t1"].Version != 1 {
		t.Fatal("forbidden write mutated the record")
	}
	if len(local.notifications) != 0 {
		t.Fatalf("unexpected notifications: %+v", local.notifications)
	}
}

func TestHandleWriteImmutableField(t *testing.T) {
	store := newMemStore(Record{Table: "tasks", ID: "t1", Version: 1, Attrs: map[string]any{}})
	cfg := TableConfig{Name: "tasks", StorageName: "realtime_tasks", ImmutableFields: []string{"createdBy"}}
	svc, local, _ := newTestService(t, store, cfg)

	results, err := svc.HandleWrite(context.Background(), editorCtx(), []Operation{
		{Table: "tasks", ID: "t1", Version: 1, Patch: map[string]any{"title": "ok", "createdBy": "me"}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if results[0].Status != StatusRejected || results[0].Reason != ReasonImmutableField {
		t.Fatalf("result = %+v", results[0])
	}
	if got := store.records["t1"]; got.Version != 1 || got.Attrs["title"] != nil {
		t.Fatalf("partial apply persisted: %+v", got)
	}
	if len(local.notifications) != 0 {
		t.Fatalf("unexpected notifications: %+v", local.notifications)
	}
}

func TestHandleWritePersistFailure(t *testing.T) {
	store := newMemStore(Record{Table: "tasks", ID: "t1", Version: 1, Attrs: map[string]any{}})
	store.saveErr = errors.New("connection reset")
	svc, local, publisher := newTestService(t, store)

	results, err := svc.HandleWrite(context.Background(), editorCtx(), []Operation{
		{Table: "tasks", ID: "t1", Version: 1, Patch: map[string]any{"x": 1}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if results[0].Status != StatusRejected || results[0].Reason != ReasonPersistFailed {
		t.Fatalf("result = %+v", results[0])
	}
	if len(local.notifications) != 0 || len(publisher.published) != 0 {
		t.Fatal("notified despite persist failure")
	}
}

func TestHandleWriteLoadFailure(t *testing.T) {
	store := &fakeStore{
		loadRecords: func(context.Context, string, []string) (map[string]Record, error) {
			return nil, errors.New("db down")
		},
	}
	svc, _, _ := newTestService(t, store)

	if _, err := svc.HandleWrite(context.Background(), editorCtx(), []Operation{
		{Table: "tasks", ID: "t1", Version: 1},
	}); err == nil {
		t.Fatal("expected error when load fails")
	}
}

func TestHandleWritePublishFailureStillApplied(t *testing.T) {
	store := newMemStore(Record{Table: "tasks", ID: "t1", Version: 1, Attrs: map[string]any{}})
	svc, local, publisher := newTestService(t, store)
	publisher.err = errors.New("bus unavailable")

	results, err := svc.HandleWrite(context.Background(), editorCtx(), []Operation{
		{Table: "tasks", ID: "t1", Version: 1, Patch: map[string]any{"x": 1}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if results[0].Status != StatusApplied {
		t.Fatalf("result = %+v", results[0])
	}
	if len(local.notifications) != 1 {
		t.Fatal("local delivery must survive publish failure")
	}
}

func TestHandleGetRecordsByID(t *testing.T) {
	store := newMemStore(
		Record{Table: "tasks", ID: "t1", Version: 2, Attrs: map[string]any{"title": "a"}},
		Record{Table: "tasks", ID: "t2", Version: 1, Attrs: map[string]any{"ownerId": "someone-else"}},
	)
	gated := TableConfig{
		Name:        "tasks",
		StorageName: "realtime_tasks",
		Permission: func(ctx PermissionContext, record *Record) PermissionResult {
			if record != nil && record.Attrs["ownerId"] == "someone-else" {
				return Deny("not yours")
			}
			return Allow()
		},
	}
	svc, _, _ := newTestService(t, store, gated)

	result, err := svc.HandleGetRecords(context.Background(), editorCtx(), ReadQuery{
		Table: "tasks",
		IDs:   []string{"t1", "t2", "missing"},
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].ID != "t1" {
		t.Fatalf("records = %+v", result.Records)
	}
	// forbidden and missing are indistinguishable to the caller
	if want := []string{"t2", "missing"}; !reflect.DeepEqual(result.NotFound, want) {
		t.Fatalf("notFound = %v, want %v", result.NotFound, want)
	}
}

func TestHandleGetRecordsByFilter(t *testing.T) {
	store := newMemStore(
		Record{Table: "tasks", ID: "t1", Version: 1, Attrs: map[string]any{"status": "open"}},
		Record{Table: "tasks", ID: "t2", Version: 1, Attrs: map[string]any{"status": "done"}},
	)
	svc, _, _ := newTestService(t, store)

	result, err := svc.HandleGetRecords(context.Background(), editorCtx(), ReadQuery{
		Table:  "tasks",
		Filter: map[string]any{"status": "open"},
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].ID != "t1" {
		t.Fatalf("records = %+v", result.Records)
	}
}

func TestHandleGetRecordsUnknownTable(t *testing.T) {
	svc, _, _ := newTestService(t, newMemStore())
	var unknown *UnknownTableError
	if _, err := svc.HandleGetRecords(context.Background(), editorCtx(), ReadQuery{Table: "users"}); !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownTableError", err)
	}
}
