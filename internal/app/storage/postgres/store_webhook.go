package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/area-engine/internal/app/domain/automation"
)

// WebhookSubscriptionStore implementation

func (s *Store) GetWebhookSubscription(ctx context.Context, ownerID, serviceID, eventType string) (automation.WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, service_id, external_subscription_id, event_type, config,
		       status, event_count, last_event_at, created_at
		FROM webhook_subscriptions
		WHERE owner_id = $1 AND service_id = $2 AND event_type = $3
	`, ownerID, serviceID, eventType)
	return scanWebhookSubscription(row)
}

func (s *Store) ListActiveByOwnerAndService(ctx context.Context, ownerID, serviceID string) ([]automation.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, service_id, external_subscription_id, event_type, config,
		       status, event_count, last_event_at, created_at
		FROM webhook_subscriptions
		WHERE owner_id = $1 AND service_id = $2 AND status = $3
		ORDER BY created_at
	`, ownerID, serviceID, automation.WebhookActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.WebhookSubscription
	for rows.Next() {
		sub, err := scanWebhookSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) UpsertWebhookSubscription(ctx context.Context, sub automation.WebhookSubscription) (automation.WebhookSubscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	configJSON, err := jsonConfig(sub.Config)
	if err != nil {
		return automation.WebhookSubscription{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, owner_id, service_id, external_subscription_id,
		                                    event_type, config, status, event_count, last_event_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id, service_id, event_type) DO UPDATE
		SET external_subscription_id = $4, config = $6, status = $7,
		    event_count = $8, last_event_at = $9
	`, sub.ID, sub.OwnerID, sub.ServiceID, sub.ExternalSubscriptionID, sub.EventType,
		configJSON, sub.Status, sub.EventCount, toNullTime(sub.LastEventAt))
	if err != nil {
		return automation.WebhookSubscription{}, err
	}
	return sub, nil
}

func (s *Store) RecordWebhookEvent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET event_count = event_count + 1, last_event_at = $2
		WHERE id = $1
	`, id, at)
	return err
}

func scanWebhookSubscription(row rowScanner) (automation.WebhookSubscription, error) {
	var (
		sub         automation.WebhookSubscription
		configJSON  []byte
		lastEventAt sql.NullTime
	)
	if err := row.Scan(&sub.ID, &sub.OwnerID, &sub.ServiceID, &sub.ExternalSubscriptionID,
		&sub.EventType, &configJSON, &sub.Status, &sub.EventCount, &lastEventAt, &sub.CreatedAt); err != nil {
		return automation.WebhookSubscription{}, err
	}
	if err := unmarshalConfig(configJSON, (*map[string]any)(&sub.Config)); err != nil {
		return automation.WebhookSubscription{}, err
	}
	sub.LastEventAt = fromNullTime(lastEventAt)
	return sub, nil
}
