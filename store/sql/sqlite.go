package sql

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/flowforge/workflow/store"
)

// SQLiteInstanceStore is a modernc.org/sqlite-backed store.InstanceRepository,
// the CGo-free counterpart to MySQLInstanceStore for single-process or
// embedded deployments, using the same table layout and codec.
type SQLiteInstanceStore struct {
	db *sql.DB
}

// NewSQLiteInstanceStore opens path (a file path, or ":memory:") and creates
// the workflow_instances table if it doesn't already exist.
func NewSQLiteInstanceStore(path string) (*SQLiteInstanceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY under the pool

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sql store: ping sqlite: %w", err)
	}

	s := &SQLiteInstanceStore{db: db}
	if err := s.createTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) createTable(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS workflow_instances (
			instance_id TEXT NOT NULL PRIMARY KEY,
			chat_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sql store: create workflow_instances: %w", err)
	}
	const idx = `CREATE INDEX IF NOT EXISTS idx_workflow_instances_chat_status ON workflow_instances (chat_id, status)`
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("sql store: create chat/status index: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *SQLiteInstanceStore) Close() error { return s.db.Close() }

func (s *SQLiteInstanceStore) Save(ctx context.Context, inst *store.WorkflowInstance) error {
	body, err := encodeRow(inst)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO workflow_instances (instance_id, chat_id, status, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			chat_id = excluded.chat_id, status = excluded.status, body = excluded.body, updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, q, inst.InstanceID, inst.ChatID, string(inst.Status), string(body), inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sql store: save instance %s: %w", inst.InstanceID, err)
	}
	return nil
}

func (s *SQLiteInstanceStore) Get(ctx context.Context, instanceID string) (*store.WorkflowInstance, error) {
	const q = `SELECT instance_id, chat_id, status, body, created_at, updated_at FROM workflow_instances WHERE instance_id = ?`
	row := s.db.QueryRowContext(ctx, q, instanceID)
	return scanInstance(row)
}

func (s *SQLiteInstanceStore) FindLatestSuspendedByChatID(ctx context.Context, chatID string) (*store.WorkflowInstance, error) {
	const q = `
		SELECT instance_id, chat_id, status, body, created_at, updated_at
		FROM workflow_instances
		WHERE chat_id = ? AND status = ?
		ORDER BY updated_at DESC LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, q, chatID, string(store.StatusSuspended))
	return scanInstance(row)
}

func (s *SQLiteInstanceStore) ListByChatID(ctx context.Context, chatID string, page store.PageRequest) (store.Page[*store.WorkflowInstance], error) {
	return listByChatID(ctx, s.db, chatID, page)
}
