// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/area-engine/internal/app/storage"
)

// Store implements every storage interface over a single database handle.
// db is an *sqlx.DB wrapping the *sql.DB the caller hands to New: most
// queries still go through database/sql's QueryContext/ExecContext (sqlx.DB
// embeds *sql.DB so those are unchanged), while read-heavy list queries use
// sqlx's struct-scanning Select to cut the manual Scan boilerplate.
type Store struct {
	db        *sqlx.DB
	secretKey []byte
}

var (
	_ storage.ServiceStore             = (*Store)(nil)
	_ storage.ActionStore              = (*Store)(nil)
	_ storage.ReactionStore            = (*Store)(nil)
	_ storage.AutomationStore          = (*Store)(nil)
	_ storage.ActionStateStore         = (*Store)(nil)
	_ storage.ExecutionStore           = (*Store)(nil)
	_ storage.ServiceTokenStore        = (*Store)(nil)
	_ storage.WebhookSubscriptionStore = (*Store)(nil)
	_ storage.OAuthNotificationStore   = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// WithSecretKey configures the 32-byte master key used to envelope-encrypt
// ServiceToken access/refresh tokens at rest. A nil or wrong-length key
// leaves tokens stored in the clear, matching the unencrypted behaviour of
// the in-memory store used in tests and local runs.
func (s *Store) WithSecretKey(key []byte) *Store {
	if len(key) == 32 {
		s.secretKey = key
	}
	return s
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNullString(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

// jsonConfig marshals a Config map to the []byte a JSONB column accepts,
// defaulting nil maps to an empty object so NOT NULL columns never fail.
func jsonConfig(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func unmarshalConfig(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		*dst = map[string]any{}
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal the admitter and notification dedup use to
// treat a conflicting insert as a non-creation rather than a failure.
func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == "unique_violation"
}
