package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/area-engine/internal/app/domain/automation"
)

// OAuthNotificationStore implementation

// CreateIfAbsent relies on the partial unique index on (owner_id,
// service_id, type) WHERE is_resolved = false: a concurrent insert for an
// already-open notification hits unique_violation, which this treats as
// deduplication rather than a failure.
func (s *Store) CreateIfAbsent(ctx context.Context, n automation.OAuthNotification) (automation.OAuthNotification, bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now().UTC()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO oauth_notifications (id, owner_id, service_id, type, message, is_read, is_resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, false, false, $6)
		RETURNING id, created_at
	`, n.ID, n.OwnerID, n.ServiceID, n.Type, n.Message, n.CreatedAt)
	if err := row.Scan(&n.ID, &n.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.getOpenNotification(ctx, n.OwnerID, n.ServiceID, n.Type)
			if getErr != nil {
				return automation.OAuthNotification{}, false, getErr
			}
			return existing, false, nil
		}
		return automation.OAuthNotification{}, false, err
	}
	return n, true, nil
}

func (s *Store) getOpenNotification(ctx context.Context, ownerID, serviceID string, notifType automation.NotificationType) (automation.OAuthNotification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, service_id, type, message, is_read, is_resolved, created_at, resolved_at
		FROM oauth_notifications
		WHERE owner_id = $1 AND service_id = $2 AND type = $3 AND is_resolved = false
	`, ownerID, serviceID, notifType)
	return scanOAuthNotification(row)
}

// ResolveOpen marks any open notification for the triple resolved, called
// when the Token Broker successfully reconnects a service.
func (s *Store) ResolveOpen(ctx context.Context, ownerID, serviceID string, notifType automation.NotificationType, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE oauth_notifications SET is_resolved = true, resolved_at = $4
		WHERE owner_id = $1 AND service_id = $2 AND type = $3 AND is_resolved = false
	`, ownerID, serviceID, notifType, at)
	return err
}

func scanOAuthNotification(row rowScanner) (automation.OAuthNotification, error) {
	var (
		n          automation.OAuthNotification
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&n.ID, &n.OwnerID, &n.ServiceID, &n.Type, &n.Message, &n.IsRead,
		&n.IsResolved, &n.CreatedAt, &resolvedAt); err != nil {
		return automation.OAuthNotification{}, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		n.ResolvedAt = &t
	}
	return n, nil
}
