package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"beacon/api/internal/realtime"
)

// ErrStaleWrite is returned when a record's version guard fails during
// persistence: a concurrent writer committed between the conflict check and
// the write. The caller reports the affected sub-batch as failed; the client
// re-reads and retries.
var ErrStaleWrite = errors.New("stale write: record version changed during persist")

// PostgresStore persists sync records. Each logical table maps to a storage
// table with the shape (id TEXT PRIMARY KEY, version BIGINT, attrs JSONB).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// LoadRecords fetches current state for a set of ids in one query.
func (s *PostgresStore) LoadRecords(ctx context.Context, storageName string, ids []string) (map[string]realtime.Record, error) {
	records := make(map[string]realtime.Record, len(ids))
	if len(ids) == 0 {
		return records, nil
	}

	query := fmt.Sprintf(
		`SELECT id, version, attrs FROM %s WHERE id = ANY($1)`,
		quoteIdent(storageName),
	)
	rows, err := s.db.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("load records from %s: %w", storageName, err)
	}
	defer rows.Close()

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records[record.ID] = record
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records from %s: %w", storageName, err)
	}
	return records, nil
}

// SaveRecords persists a table's sub-batch in a single transaction. Every
// row carries a version guard (previous version + 1), so the conflict check
// and the write see one consistent snapshot; a guard miss rolls the whole
// sub-batch back with ErrStaleWrite.
func (s *PostgresStore) SaveRecords(ctx context.Context, storageName string, records []realtime.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx for %s: %w", storageName, err)
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (id, version, attrs, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (id) DO UPDATE
		SET version=EXCLUDED.version, attrs=EXCLUDED.attrs, updated_at=NOW()
		WHERE %s.version = EXCLUDED.version - 1
	`, quoteIdent(storageName), quoteIdent(storageName))

	for _, record := range records {
		attrs, err := json.Marshal(record.Attrs)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal attrs for %s/%s: %w", storageName, record.ID, err)
		}
		result, err := tx.ExecContext(ctx, upsert, record.ID, record.Version, string(attrs))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save record %s/%s: %w", storageName, record.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save record rows %s/%s: %w", storageName, record.ID, err)
		}
		if affected == 0 {
			_ = tx.Rollback()
			return fmt.Errorf("save record %s/%s: %w", storageName, record.ID, ErrStaleWrite)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx for %s: %w", storageName, err)
	}
	return nil
}

// QueryRecords loads records whose attrs contain the filter. An empty filter
// matches the whole table.
func (s *PostgresStore) QueryRecords(ctx context.Context, storageName string, filter map[string]any, limit int) ([]realtime.Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	var rows *sql.Rows
	var err error
	if len(filter) == 0 {
		query := fmt.Sprintf(
			`SELECT id, version, attrs FROM %s ORDER BY id ASC LIMIT $1`,
			quoteIdent(storageName),
		)
		rows, err = s.db.QueryContext(ctx, query, limit)
	} else {
		encoded, marshalErr := json.Marshal(filter)
		if marshalErr != nil {
			return nil, fmt.Errorf("marshal filter for %s: %w", storageName, marshalErr)
		}
		query := fmt.Sprintf(
			`SELECT id, version, attrs FROM %s WHERE attrs @> $1::jsonb ORDER BY id ASC LIMIT $2`,
			quoteIdent(storageName),
		)
		rows, err = s.db.QueryContext(ctx, query, string(encoded), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query records from %s: %w", storageName, err)
	}
	defer rows.Close()

	items := make([]realtime.Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records from %s: %w", storageName, err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanRecord(rows *sql.Rows) (realtime.Record, error) {
	var record realtime.Record
	var attrsRaw []byte
	if err := rows.Scan(&record.ID, &record.Version, &attrsRaw); err != nil {
		return realtime.Record{}, fmt.Errorf("scan record: %w", err)
	}
	record.Attrs = map[string]any{}
	if len(attrsRaw) > 0 {
		if err := json.Unmarshal(attrsRaw, &record.Attrs); err != nil {
			return realtime.Record{}, fmt.Errorf("unmarshal record attrs: %w", err)
		}
	}
	return record, nil
}

// quoteIdent quotes a storage table name. Storage names come from the table
// registry, which is populated at startup, never from request input.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
