// Package store provides the partitioned, crash-safe local store the
// offline engine persists into.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/quinca-app/engine/internal/errors"
)

// Fixed partition names, agreed with the UI layer at design time.
const (
	PartitionProducts      = "products"
	PartitionSales         = "sales"
	PartitionCustomers     = "customers"
	PartitionPendingOps    = "pending-operations"
	PartitionResponseCache = "response-cache"
	PartitionDeadLetter    = "dead-letter"
)

var partitionNameRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Record is a single row in a partition.
type Record struct {
	ID        string
	Data      []byte
	CreatedAt int64
}

// Store wraps a SQLite database with partitioned key-value access.
// Partitions are created lazily on first use; each put/delete is its own
// atomic unit. There is no multi-record transaction guarantee across
// partitions.
type Store struct {
	db *sql.DB

	mu         sync.Mutex
	partitions map[string]bool

	// Prepared statement cache keyed by query string.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// Open opens the engine database under dataDir with:
// - WAL mode for concurrent reads alongside the single writer
// - foreign key constraints enabled
// Open failures surface as STORAGE_UNAVAILABLE; callers must treat the
// whole engine as degraded-but-non-fatal when that happens.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "engine.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to open database", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to enable WAL mode", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to enable foreign keys", err)
	}

	s := &Store{
		db:         db,
		partitions: make(map[string]bool),
	}

	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// DB exposes the underlying handle for components that keep their own
// tables in the same database (the operation queue).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes cached statements and the database.
func (s *Store) Close() error {
	s.stmtCache.Range(func(key, value interface{}) bool {
		value.(*sql.Stmt).Close()
		return true
	})
	return s.db.Close()
}

// tableName maps a partition name to its backing table.
func tableName(partition string) (string, error) {
	if !partitionNameRegex.MatchString(partition) {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid partition name %q", partition))
	}
	safe := ""
	for _, r := range partition {
		if r == '-' {
			r = '_'
		}
		safe += string(r)
	}
	return "partition_" + safe, nil
}

// ensurePartition creates the partition's table and created_at index on
// first use.
func (s *Store) ensurePartition(ctx context.Context, partition string) (string, error) {
	table, err := tableName(partition)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.partitions[table] {
		return table, nil
	}

	create := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		record BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);`, table)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "failed to create partition", err)
	}

	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s (created_at);`, table, table)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "failed to index partition", err)
	}

	s.partitions[table] = true
	return table, nil
}

// prepareStmt gets or creates a prepared statement from cache.
func (s *Store) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare statement", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Put stores a record, overwriting by primary key.
func (s *Store) Put(ctx context.Context, partition, id string, data []byte) error {
	table, err := s.ensurePartition(ctx, partition)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (id, record, created_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET record = excluded.record, created_at = excluded.created_at
	`, table)

	stmt, err := s.prepareStmt(query)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, id, data, time.Now().Unix()); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "put failed", err)
	}
	return nil
}

// PutAll stores a batch of records in a single transaction.
func (s *Store) PutAll(ctx context.Context, partition string, records []Record) error {
	table, err := s.ensurePartition(ctx, partition)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "begin transaction failed", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
	INSERT INTO %s (id, record, created_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET record = excluded.record, created_at = excluded.created_at
	`, table)

	now := time.Now().Unix()
	for _, rec := range records {
		createdAt := rec.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		if _, err := tx.ExecContext(ctx, query, rec.ID, rec.Data, createdAt); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "putAll failed", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "commit failed", err)
	}
	return nil
}

// Get retrieves a record by id. A missing id returns (nil, nil).
func (s *Store) Get(ctx context.Context, partition, id string) (*Record, error) {
	table, err := s.ensurePartition(ctx, partition)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, record, created_at FROM %s WHERE id = ?`, table)
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	var rec Record
	err = stmt.QueryRowContext(ctx, id).Scan(&rec.ID, &rec.Data, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get failed", err)
	}
	return &rec, nil
}

// GetAll returns every record in the partition in creation order.
func (s *Store) GetAll(ctx context.Context, partition string) ([]Record, error) {
	table, err := s.ensurePartition(ctx, partition)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, record, created_at FROM %s ORDER BY created_at, id`, table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "getAll failed", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Data, &rec.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan failed", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "getAll failed", err)
	}
	return records, nil
}

// Delete removes a record by id. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, partition, id string) error {
	table, err := s.ensurePartition(ctx, partition)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table)
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete failed", err)
	}
	return nil
}

// Count returns the number of records in the partition.
func (s *Store) Count(ctx context.Context, partition string) (int, error) {
	table, err := s.ensurePartition(ctx, partition)
	if err != nil {
		return 0, err
	}

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count failed", err)
	}
	return count, nil
}
