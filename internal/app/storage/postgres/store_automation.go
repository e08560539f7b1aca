package postgres

import (
	"context"

	"github.com/r3e-network/area-engine/internal/app/domain/automation"
)

// AutomationStore implementation

func (s *Store) GetAutomation(ctx context.Context, id string) (automation.Automation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, display_name, action_id, action_config,
		       reaction_id, reaction_config, status, created_at, updated_at
		FROM automations WHERE id = $1
	`, id)
	return scanAutomation(row)
}

func (s *Store) ListActiveByActionName(ctx context.Context, actionName string) ([]automation.Automation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.owner_id, a.display_name, a.action_id, a.action_config,
		       a.reaction_id, a.reaction_config, a.status, a.created_at, a.updated_at
		FROM automations a
		JOIN actions act ON act.id = a.action_id
		WHERE a.status = $1 AND act.name = $2
		ORDER BY a.created_at
	`, automation.AutomationActive, actionName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAutomations(rows)
}

func (s *Store) ListActiveByServiceName(ctx context.Context, serviceName string) ([]automation.Automation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.owner_id, a.display_name, a.action_id, a.action_config,
		       a.reaction_id, a.reaction_config, a.status, a.created_at, a.updated_at
		FROM automations a
		JOIN actions act ON act.id = a.action_id
		JOIN services svc ON svc.id = act.service_id
		WHERE a.status = $1 AND svc.name = $2
		ORDER BY a.created_at
	`, automation.AutomationActive, serviceName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAutomations(rows)
}

func scanAutomations(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]automation.Automation, error) {
	var out []automation.Automation
	for rows.Next() {
		a, err := scanAutomationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAutomation(row rowScanner) (automation.Automation, error) {
	return scanAutomationRow(row)
}

func scanAutomationRow(row rowScanner) (automation.Automation, error) {
	var (
		a                         automation.Automation
		actionConfig, reactConfig []byte
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.DisplayName, &a.ActionID, &actionConfig,
		&a.ReactionID, &reactConfig, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return automation.Automation{}, err
	}
	if err := unmarshalConfig(actionConfig, (*map[string]any)(&a.ActionConfig)); err != nil {
		return automation.Automation{}, err
	}
	if err := unmarshalConfig(reactConfig, (*map[string]any)(&a.ReactionConfig)); err != nil {
		return automation.Automation{}, err
	}
	return a, nil
}

// CreateAutomation inserts a new Automation. Automation lifecycle
// management (create/update/delete) is an external management surface;
// this constructor backs that surface and test fixtures.
func (s *Store) CreateAutomation(ctx context.Context, a automation.Automation) (automation.Automation, error) {
	actionConfigJSON, err := jsonConfig(a.ActionConfig)
	if err != nil {
		return automation.Automation{}, err
	}
	reactionConfigJSON, err := jsonConfig(a.ReactionConfig)
	if err != nil {
		return automation.Automation{}, err
	}
	if a.Status == "" {
		a.Status = automation.AutomationActive
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO automations (id, owner_id, display_name, action_id, action_config,
		                          reaction_id, reaction_config, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, a.OwnerID, a.DisplayName, a.ActionID, actionConfigJSON, a.ReactionID, reactionConfigJSON, a.Status)
	if err := row.Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return automation.Automation{}, err
	}
	return a, nil
}
