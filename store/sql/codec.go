// Package sql implements store.InstanceRepository against a relational
// database via database/sql, with JSON-blob columns for the parts of the
// record that aren't queried directly. Two dialects share this row encoding:
// mysql.go and sqlite.go differ only in DSN handling, DDL syntax and driver
// import.
package sql

import (
	"context"
	gosql "database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/flowforge/workflow/store"
)

// row is the JSON-serializable shape of everything in a WorkflowInstance
// beyond the columns used for lookups (instance_id, chat_id, status).
type row struct {
	WorkflowID                string                       `json:"workflow_id"`
	WorkflowVersion           string                       `json:"workflow_version"`
	CurrentStepID             string                       `json:"current_step_id"`
	ExecutionHistory          []store.StepExecutionRecord `json:"execution_history"`
	WorkflowContext           map[string]any               `json:"workflow_context"`
	ErrorInfo                 *store.ErrorInfo             `json:"error_info,omitempty"`
	OutstandingAsyncMessageID string                       `json:"outstanding_async_message_id,omitempty"`
}

func encodeRow(inst *store.WorkflowInstance) ([]byte, error) {
	r := row{
		WorkflowID:                inst.WorkflowID,
		WorkflowVersion:           inst.WorkflowVersion,
		CurrentStepID:             inst.CurrentStepID,
		ExecutionHistory:          inst.ExecutionHistory,
		WorkflowContext:           inst.WorkflowContext,
		ErrorInfo:                 inst.ErrorInfo,
		OutstandingAsyncMessageID: inst.OutstandingAsyncMessageID,
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("sql store: marshal instance body: %w", err)
	}
	return b, nil
}

func decodeRow(inst *store.WorkflowInstance, body []byte) error {
	var r row
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("sql store: unmarshal instance body: %w", err)
	}
	inst.WorkflowID = r.WorkflowID
	inst.WorkflowVersion = r.WorkflowVersion
	inst.CurrentStepID = r.CurrentStepID
	inst.ExecutionHistory = r.ExecutionHistory
	inst.WorkflowContext = r.WorkflowContext
	inst.ErrorInfo = r.ErrorInfo
	inst.OutstandingAsyncMessageID = r.OutstandingAsyncMessageID
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting
// scanInstance serve Get/FindLatestSuspendedByChatID and ListByChatID alike.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(rs rowScanner) (*store.WorkflowInstance, error) {
	var (
		inst   store.WorkflowInstance
		status string
		body   []byte
	)
	if err := rs.Scan(&inst.InstanceID, &inst.ChatID, &status, &body, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		if err == gosql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sql store: scan instance: %w", err)
	}
	inst.Status = store.Status(status)
	if err := decodeRow(&inst, body); err != nil {
		return nil, err
	}
	return &inst, nil
}

// listByChatID is shared verbatim by the mysql and sqlite backends: both
// drivers accept '?' placeholders and expose the same database/sql surface.
func listByChatID(ctx context.Context, db *gosql.DB, chatID string, page store.PageRequest) (store.Page[*store.WorkflowInstance], error) {
	const q = `SELECT instance_id, chat_id, status, body, created_at, updated_at FROM workflow_instances WHERE chat_id = ?`
	rows, err := db.QueryContext(ctx, q, chatID)
	if err != nil {
		return store.Page[*store.WorkflowInstance]{}, fmt.Errorf("sql store: list by chat %s: %w", chatID, err)
	}
	defer rows.Close()

	var all []*store.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return store.Page[*store.WorkflowInstance]{}, err
		}
		all = append(all, inst)
	}
	if err := rows.Err(); err != nil {
		return store.Page[*store.WorkflowInstance]{}, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, page), nil
}

// paginate mirrors store.paginate (unexported there); duplicated rather than
// exported across the package boundary for a single generic helper.
func paginate[T any](all []T, page store.PageRequest) store.Page[T] {
	size := page.PageSize
	if size <= 0 {
		size = len(all)
		if size == 0 {
			size = 1
		}
	}
	if page.SortDirection == store.SortDesc {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}
	totalElements := len(all)
	totalPages := (totalElements + size - 1) / size
	start := page.PageNumber * size
	if start > totalElements {
		start = totalElements
	}
	end := start + size
	if end > totalElements {
		end = totalElements
	}
	content := append([]T(nil), all[start:end]...)
	return store.Page[T]{
		Content:       content,
		PageNumber:    page.PageNumber,
		PageSize:      size,
		TotalElements: totalElements,
		TotalPages:    totalPages,
	}
}
