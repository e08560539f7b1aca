package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/r3e-network/area-engine/internal/app/domain/automation"
)

// ActionStateStore implementation

func (s *Store) GetActionState(ctx context.Context, automationID string) (automation.ActionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT automation_id, last_checked_at, last_event_id, metadata, updated_at
		FROM action_states WHERE automation_id = $1
	`, automationID)

	var (
		state         automation.ActionState
		lastCheckedAt sql.NullTime
		lastEventID   sql.NullString
		metadataJSON  []byte
	)
	if err := row.Scan(&state.AutomationID, &lastCheckedAt, &lastEventID, &metadataJSON, &state.UpdatedAt); err != nil {
		return automation.ActionState{}, err
	}
	state.LastCheckedAt = fromNullTime(lastCheckedAt)
	state.LastEventID = fromNullString(lastEventID)
	if err := unmarshalConfig(metadataJSON, (*map[string]any)(&state.Metadata)); err != nil {
		return automation.ActionState{}, err
	}
	return state, nil
}

// UpsertActionState creates the state lazily on first poll and updates it
// on every subsequent poll, per the entity's lifecycle.
func (s *Store) UpsertActionState(ctx context.Context, state automation.ActionState) (automation.ActionState, error) {
	metadataJSON, err := jsonConfig(state.Metadata)
	if err != nil {
		return automation.ActionState{}, err
	}
	state.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_states (automation_id, last_checked_at, last_event_id, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (automation_id) DO UPDATE
		SET last_checked_at = $2, last_event_id = $3, metadata = $4, updated_at = $5
	`, state.AutomationID, toNullTime(state.LastCheckedAt), toNullString(state.LastEventID), metadataJSON, state.UpdatedAt)
	if err != nil {
		return automation.ActionState{}, err
	}
	return state, nil
}
