package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/area-engine/internal/app/domain/automation"
)

// ExecutionStore implementation

// AdmitExecution is the Execution Admitter's single entry point: it
// inserts a pending Execution for (automationID, externalEventID), relying
// on the table's unique constraint to make concurrent admits of the same
// key collapse to a single row. A unique_violation is not an error here;
// it means another admit already won the race, so the existing row is
// fetched and returned with created=false.
func (s *Store) AdmitExecution(ctx context.Context, automationID, externalEventID string, triggerData automation.Config) (automation.Execution, bool, error) {
	triggerJSON, err := jsonConfig(triggerData)
	if err != nil {
		return automation.Execution{}, false, err
	}

	exec := automation.Execution{
		ID:              uuid.NewString(),
		AutomationID:    automationID,
		ExternalEventID: externalEventID,
		Status:          automation.ExecutionPending,
		TriggerData:     triggerData,
		CreatedAt:       time.Now().UTC(),
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO executions (id, automation_id, external_event_id, status, trigger_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, exec.ID, exec.AutomationID, exec.ExternalEventID, exec.Status, triggerJSON, exec.CreatedAt)
	if err := row.Scan(&exec.ID, &exec.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.getExecutionByKey(ctx, automationID, externalEventID)
			if getErr != nil {
				return automation.Execution{}, false, getErr
			}
			return existing, false, nil
		}
		return automation.Execution{}, false, err
	}
	return exec, true, nil
}

func (s *Store) getExecutionByKey(ctx context.Context, automationID, externalEventID string) (automation.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, automation_id, external_event_id, status, trigger_data, result_data,
		       error_message, attempt_count, created_at, started_at, completed_at
		FROM executions WHERE automation_id = $1 AND external_event_id = $2
	`, automationID, externalEventID)
	return scanExecution(row)
}

func (s *Store) GetExecution(ctx context.Context, id string) (automation.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, automation_id, external_event_id, status, trigger_data, result_data,
		       error_message, attempt_count, created_at, started_at, completed_at
		FROM executions WHERE id = $1
	`, id)
	return scanExecution(row)
}

func (s *Store) UpdateExecution(ctx context.Context, exec automation.Execution) (automation.Execution, error) {
	resultJSON, err := jsonConfig(exec.ResultData)
	if err != nil {
		return automation.Execution{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $2, result_data = $3, error_message = $4, attempt_count = $5,
		    started_at = $6, completed_at = $7
		WHERE id = $1
	`, exec.ID, exec.Status, resultJSON, toNullString(exec.ErrorMessage), exec.AttemptCount,
		toNullTime(exec.StartedAt), toNullTime(exec.CompletedAt))
	if err != nil {
		return automation.Execution{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return automation.Execution{}, sql.ErrNoRows
	}
	return exec, nil
}

// staleExecutionRow mirrors the reclaim query's column list for sqlx's
// struct-scanning StructScan, used in place of manual Scan calls since this
// query runs on every reclaim tick and returns a batch, not a single row.
type staleExecutionRow struct {
	ID              string         `db:"id"`
	AutomationID    string         `db:"automation_id"`
	ExternalEventID string         `db:"external_event_id"`
	Status          string         `db:"status"`
	TriggerData     []byte         `db:"trigger_data"`
	ResultData      []byte         `db:"result_data"`
	ErrorMessage    sql.NullString `db:"error_message"`
	AttemptCount    int            `db:"attempt_count"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
}

func (s *Store) ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]automation.Execution, error) {
	var rows []staleExecutionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, automation_id, external_event_id, status, trigger_data, result_data,
		       error_message, attempt_count, created_at, started_at, completed_at
		FROM executions
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at
		LIMIT $3
	`, automation.ExecutionRunning, before, limit)
	if err != nil {
		return nil, err
	}

	out := make([]automation.Execution, 0, len(rows))
	for _, row := range rows {
		exec := automation.Execution{
			ID:              row.ID,
			AutomationID:    row.AutomationID,
			ExternalEventID: row.ExternalEventID,
			Status:          automation.ExecutionStatus(row.Status),
			ErrorMessage:    fromNullString(row.ErrorMessage),
			AttemptCount:    row.AttemptCount,
			CreatedAt:       row.CreatedAt,
			StartedAt:       fromNullTime(row.StartedAt),
			CompletedAt:     fromNullTime(row.CompletedAt),
		}
		if err := unmarshalConfig(row.TriggerData, (*map[string]any)(&exec.TriggerData)); err != nil {
			return nil, err
		}
		if err := unmarshalConfig(row.ResultData, (*map[string]any)(&exec.ResultData)); err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *Store) CountByStatusSince(ctx context.Context, since time.Time) (map[automation.ExecutionStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM executions WHERE created_at >= $1 GROUP BY status
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[automation.ExecutionStatus]int64)
	for rows.Next() {
		var (
			status automation.ExecutionStatus
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (s *Store) DeleteCompletedBefore(ctx context.Context, status automation.ExecutionStatus, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM executions WHERE status = $1 AND completed_at < $2
	`, status, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanExecution(row rowScanner) (automation.Execution, error) {
	var (
		exec                    automation.Execution
		triggerJSON, resultJSON []byte
		errorMessage            sql.NullString
		startedAt, completedAt  sql.NullTime
	)
	if err := row.Scan(&exec.ID, &exec.AutomationID, &exec.ExternalEventID, &exec.Status,
		&triggerJSON, &resultJSON, &errorMessage, &exec.AttemptCount,
		&exec.CreatedAt, &startedAt, &completedAt); err != nil {
		return automation.Execution{}, err
	}
	if err := unmarshalConfig(triggerJSON, (*map[string]any)(&exec.TriggerData)); err != nil {
		return automation.Execution{}, err
	}
	if err := unmarshalConfig(resultJSON, (*map[string]any)(&exec.ResultData)); err != nil {
		return automation.Execution{}, err
	}
	exec.ErrorMessage = fromNullString(errorMessage)
	exec.StartedAt = fromNullTime(startedAt)
	exec.CompletedAt = fromNullTime(completedAt)
	return exec, nil
}
