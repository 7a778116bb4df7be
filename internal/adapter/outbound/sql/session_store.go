package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/accessguard/accessguard/internal/domain/auth"
	"github.com/accessguard/accessguard/internal/domain/session"
)

// sessionRow mirrors the user_sessions table.
type sessionRow struct {
	ID                string         `db:"id"`
	UserID            string         `db:"user_id"`
	SessionID         string         `db:"session_id"`
	KeycloakSessionID sql.NullString `db:"keycloak_session_id"`
	AccessToken       sql.NullString `db:"access_token"`
	RefreshToken      sql.NullString `db:"refresh_token"`
	IDToken           sql.NullString `db:"id_token"`
	TokenExpiresAt    sql.NullTime   `db:"token_expires_at"`
	RefreshExpiresAt  sql.NullTime   `db:"refresh_expires_at"`
	Fingerprint       sql.NullString `db:"fingerprint"`
	LastAccessedAt    time.Time      `db:"last_accessed_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	ExpiresAt         time.Time      `db:"expires_at"`
	IPAddress         sql.NullString `db:"ip_address"`
	UserAgent         sql.NullString `db:"user_agent"`
	Metadata          []byte         `db:"metadata"`
	IsActive          bool           `db:"is_active"`

	// Principal is reconstructed from metadata["principal"] since
	// user_sessions has no dedicated columns for roles/permissions.
}

// SessionStore implements session.Store against PostgreSQL.
type SessionStore struct {
	db *sqlx.DB
}

// NewSessionStore wraps an existing *sqlx.DB.
func NewSessionStore(db *sqlx.DB) *SessionStore {
	return &SessionStore{db: db}
}

type sessionMetadata struct {
	Principal auth.Principal `json:"principal"`
	Extra     map[string]any `json:"extra,omitempty"`
}

func encodeMetadata(s *session.Session) ([]byte, error) {
	m := sessionMetadata{Principal: s.Principal, Extra: s.Metadata}
	return json.Marshal(m)
}

func decodeRow(row sessionRow) (*session.Session, error) {
	var meta sessionMetadata
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &session.Session{
		ID:               row.SessionID,
		UserID:           row.UserID,
		Principal:        meta.Principal,
		IdPSessionID:     row.KeycloakSessionID.String,
		AccessToken:      row.AccessToken.String,
		RefreshToken:     row.RefreshToken.String,
		IDToken:          row.IDToken.String,
		TokenExpiresAt:   row.TokenExpiresAt.Time,
		RefreshExpiresAt: row.RefreshExpiresAt.Time,
		CreatedAt:        row.CreatedAt,
		LastAccessedAt:   row.LastAccessedAt,
		ExpiresAt:        row.ExpiresAt,
		IPAddress:        row.IPAddress.String,
		UserAgent:        row.UserAgent.String,
		Active:           row.IsActive,
		Metadata:         meta.Extra,
		Fingerprint:      row.Fingerprint.String,
	}, nil
}

const upsertSessionSQL = `
INSERT INTO user_sessions (
    user_id, session_id, keycloak_session_id, access_token, refresh_token,
    id_token, token_expires_at, refresh_expires_at, fingerprint,
    last_accessed_at, created_at, updated_at, expires_at, ip_address,
    user_agent, metadata, is_active
) VALUES (
    :user_id, :session_id, :keycloak_session_id, :access_token, :refresh_token,
    :id_token, :token_expires_at, :refresh_expires_at, :fingerprint,
    :last_accessed_at, :created_at, now(), :expires_at, :ip_address,
    :user_agent, :metadata, :is_active
)
ON CONFLICT (session_id) DO UPDATE SET
    last_accessed_at = EXCLUDED.last_accessed_at,
    access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    id_token = EXCLUDED.id_token,
    token_expires_at = EXCLUDED.token_expires_at,
    refresh_expires_at = EXCLUDED.refresh_expires_at,
    metadata = EXCLUDED.metadata,
    is_active = EXCLUDED.is_active,
    updated_at = now()
`

func (s *SessionStore) Store(ctx context.Context, sess *session.Session) error {
	metadata, err := encodeMetadata(sess)
	if err != nil {
		return err
	}
	row := map[string]any{
		"user_id":              sess.UserID,
		"session_id":           sess.ID,
		"keycloak_session_id":  nullableString(sess.IdPSessionID),
		"access_token":         nullableString(sess.AccessToken),
		"refresh_token":        nullableString(sess.RefreshToken),
		"id_token":             nullableString(sess.IDToken),
		"token_expires_at":     nullableTime(sess.TokenExpiresAt),
		"refresh_expires_at":   nullableTime(sess.RefreshExpiresAt),
		"fingerprint":          nullableString(sess.Fingerprint),
		"last_accessed_at":     sess.LastAccessedAt,
		"created_at":           sess.CreatedAt,
		"expires_at":           sess.ExpiresAt,
		"ip_address":           nullableString(sess.IPAddress),
		"user_agent":           nullableString(sess.UserAgent),
		"metadata":             metadata,
		"is_active":            sess.Active,
	}
	if _, err := s.db.NamedExecContext(ctx, upsertSessionSQL, row); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *SessionStore) Retrieve(ctx context.Context, id string) (*session.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM user_sessions WHERE session_id = $1 AND is_active = true`, id)
	if err == sql.ErrNoRows {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve session: %w", err)
	}
	return decodeRow(row)
}

func (s *SessionStore) Destroy(ctx context.Context, id string, reason session.DestroyReason) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_sessions SET is_active = false, updated_at = now() WHERE session_id = $1`, id)
	if err != nil {
		return fmt.Errorf("destroy session (%s): %w", reason, err)
	}
	return nil
}

func (s *SessionStore) CleanupExpired(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE user_sessions SET is_active = false, updated_at = now()
		 WHERE is_active = true AND expires_at < now() RETURNING id`)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}

// enforceConcurrentLimitSQL deactivates the oldest active sessions for a
// user in excess of max in one statement, so concurrent callers cannot
// jointly admit more than max.
const enforceConcurrentLimitSQL = `
WITH ranked AS (
    SELECT id, row_number() OVER (ORDER BY last_accessed_at DESC) AS rn
    FROM user_sessions
    WHERE user_id = $1 AND is_active = true AND expires_at > now()
)
UPDATE user_sessions
SET is_active = false, updated_at = now()
WHERE id IN (SELECT id FROM ranked WHERE rn > $2)
RETURNING id
`

func (s *SessionStore) EnforceConcurrentLimit(ctx context.Context, userID string, max int) (int, error) {
	rows, err := s.db.QueryContext(ctx, enforceConcurrentLimitSQL, userID, max)
	if err != nil {
		return 0, fmt.Errorf("enforce concurrent limit: %w", err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}

func (s *SessionStore) GetUserSessions(ctx context.Context, userID string) ([]*session.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM user_sessions
		 WHERE user_id = $1 AND is_active = true AND expires_at > now()
		 ORDER BY last_accessed_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("get user sessions: %w", err)
	}
	out := make([]*session.Session, 0, len(rows))
	for _, row := range rows {
		sess, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ session.Store = (*SessionStore)(nil)
