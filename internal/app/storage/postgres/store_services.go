package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/r3e-network/area-engine/internal/app/domain/automation"
)

// ServiceStore implementation

func (s *Store) GetService(ctx context.Context, id string) (automation.Service, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, created_at, updated_at
		FROM services WHERE id = $1
	`, id)
	return scanService(row)
}

func (s *Store) GetServiceByName(ctx context.Context, name string) (automation.Service, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, created_at, updated_at
		FROM services WHERE name = $1
	`, name)
	return scanService(row)
}

func (s *Store) ListActiveServices(ctx context.Context) ([]automation.Service, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, created_at, updated_at
		FROM services WHERE status = $1 ORDER BY name
	`, automation.ServiceActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.Service
	for rows.Next() {
		var svc automation.Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Status, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (automation.Service, error) {
	var svc automation.Service
	if err := row.Scan(&svc.ID, &svc.Name, &svc.Status, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
		return automation.Service{}, err
	}
	return svc, nil
}

// ActionStore implementation

func (s *Store) GetAction(ctx context.Context, id string) (automation.Action, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, service_id, name, description, config_schema, created_at
		FROM actions WHERE id = $1
	`, id)
	return scanAction(row)
}

func (s *Store) GetActionByName(ctx context.Context, serviceID, name string) (automation.Action, error) {
	var row *sql.Row
	if serviceID == "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, service_id, name, description, config_schema, created_at
			FROM actions WHERE name = $1 ORDER BY created_at LIMIT 1
		`, name)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, service_id, name, description, config_schema, created_at
			FROM actions WHERE service_id = $1 AND name = $2
		`, serviceID, name)
	}
	return scanAction(row)
}

func (s *Store) ListActionsByService(ctx context.Context, serviceID string) ([]automation.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_id, name, description, config_schema, created_at
		FROM actions WHERE service_id = $1 ORDER BY name
	`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

func scanAction(row rowScanner) (automation.Action, error) {
	var (
		action     automation.Action
		schemaJSON []byte
	)
	if err := row.Scan(&action.ID, &action.ServiceID, &action.Name, &action.Description, &schemaJSON, &action.CreatedAt); err != nil {
		return automation.Action{}, err
	}
	if err := json.Unmarshal(schemaJSON, &action.ConfigSchema); err != nil {
		return automation.Action{}, err
	}
	return action, nil
}

// ReactionStore implementation

func (s *Store) GetReaction(ctx context.Context, id string) (automation.Reaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, service_id, name, description, config_schema, created_at
		FROM reactions WHERE id = $1
	`, id)
	return scanReaction(row)
}

func (s *Store) GetReactionByName(ctx context.Context, serviceID, name string) (automation.Reaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, service_id, name, description, config_schema, created_at
		FROM reactions WHERE service_id = $1 AND name = $2
	`, serviceID, name)
	return scanReaction(row)
}

func (s *Store) ListReactionsByService(ctx context.Context, serviceID string) ([]automation.Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_id, name, description, config_schema, created_at
		FROM reactions WHERE service_id = $1 ORDER BY name
	`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.Reaction
	for rows.Next() {
		reaction, err := scanReaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reaction)
	}
	return out, rows.Err()
}

func scanReaction(row rowScanner) (automation.Reaction, error) {
	var (
		reaction   automation.Reaction
		schemaJSON []byte
	)
	if err := row.Scan(&reaction.ID, &reaction.ServiceID, &reaction.Name, &reaction.Description, &schemaJSON, &reaction.CreatedAt); err != nil {
		return automation.Reaction{}, err
	}
	if err := json.Unmarshal(schemaJSON, &reaction.ConfigSchema); err != nil {
		return automation.Reaction{}, err
	}
	return reaction, nil
}

// CreateService provisions a new upstream integration. Provisioning sits
// outside the core's read-only contract but a constructor is still needed
// by migrations/admin tooling and by tests that seed fixtures.
func (s *Store) CreateService(ctx context.Context, name string) (automation.Service, error) {
	svc := automation.Service{
		ID:     uuid.NewString(),
		Name:   name,
		Status: automation.ServiceActive,
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO services (id, name, status)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, svc.ID, svc.Name, svc.Status)
	if err := row.Scan(&svc.CreatedAt, &svc.UpdatedAt); err != nil {
		return automation.Service{}, err
	}
	return svc, nil
}

// CreateAction registers a new action under a service.
func (s *Store) CreateAction(ctx context.Context, serviceID, name, description string, schema automation.ConfigSchema) (automation.Action, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return automation.Action{}, err
	}
	action := automation.Action{ID: uuid.NewString(), ServiceID: serviceID, Name: name, Description: description, ConfigSchema: schema}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO actions (id, service_id, name, description, config_schema)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, action.ID, action.ServiceID, action.Name, action.Description, schemaJSON)
	if err := row.Scan(&action.CreatedAt); err != nil {
		return automation.Action{}, err
	}
	return action, nil
}

// CreateReaction registers a new reaction under a service.
func (s *Store) CreateReaction(ctx context.Context, serviceID, name, description string, schema automation.ConfigSchema) (automation.Reaction, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return automation.Reaction{}, err
	}
	reaction := automation.Reaction{ID: uuid.NewString(), ServiceID: serviceID, Name: name, Description: description, ConfigSchema: schema}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO reactions (id, service_id, name, description, config_schema)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, reaction.ID, reaction.ServiceID, reaction.Name, reaction.Description, schemaJSON)
	if err := row.Scan(&reaction.CreatedAt); err != nil {
		return automation.Reaction{}, err
	}
	return reaction, nil
}
