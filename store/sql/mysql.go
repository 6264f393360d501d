package sql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/flowforge/workflow/store"
)

// MySQLInstanceStore is a MySQL/MariaDB-backed store.InstanceRepository.
// Status and chatId are real columns (queried directly by
// FindLatestSuspendedByChatID/ListByChatID); everything else round-trips
// opaquely through a JSON body column.
type MySQLInstanceStore struct {
	db *sql.DB
}

// NewMySQLInstanceStore opens dsn, verifies connectivity and creates the
// workflow_instances table if it doesn't already exist.
//
// Example DSN: user:password@tcp(localhost:3306)/workflows?parseTime=true
func NewMySQLInstanceStore(dsn string) (*MySQLInstanceStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sql store: ping mysql: %w", err)
	}

	s := &MySQLInstanceStore{db: db}
	if err := s.createTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLInstanceStore) createTable(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS workflow_instances (
			instance_id VARCHAR(255) NOT NULL PRIMARY KEY,
			chat_id VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			body JSON NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			INDEX idx_chat_status (chat_id, status),
			INDEX idx_chat_id (chat_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sql store: create workflow_instances: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *MySQLInstanceStore) Close() error { return s.db.Close() }

func (s *MySQLInstanceStore) Save(ctx context.Context, inst *store.WorkflowInstance) error {
	body, err := encodeRow(inst)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO workflow_instances (instance_id, chat_id, status, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			chat_id = VALUES(chat_id), status = VALUES(status), body = VALUES(body), updated_at = VALUES(updated_at)
	`
	_, err = s.db.ExecContext(ctx, q, inst.InstanceID, inst.ChatID, string(inst.Status), body, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sql store: save instance %s: %w", inst.InstanceID, err)
	}
	return nil
}

func (s *MySQLInstanceStore) Get(ctx context.Context, instanceID string) (*store.WorkflowInstance, error) {
	const q = `SELECT instance_id, chat_id, status, body, created_at, updated_at FROM workflow_instances WHERE instance_id = ?`
	row := s.db.QueryRowContext(ctx, q, instanceID)
	return scanInstance(row)
}

func (s *MySQLInstanceStore) FindLatestSuspendedByChatID(ctx context.Context, chatID string) (*store.WorkflowInstance, error) {
	const q = `
		SELECT instance_id, chat_id, status, body, created_at, updated_at
		FROM workflow_instances
		WHERE chat_id = ? AND status = ?
		ORDER BY updated_at DESC LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, q, chatID, string(store.StatusSuspended))
	return scanInstance(row)
}

func (s *MySQLInstanceStore) ListByChatID(ctx context.Context, chatID string, page store.PageRequest) (store.Page[*store.WorkflowInstance], error) {
	return listByChatID(ctx, s.db, chatID, page)
}
