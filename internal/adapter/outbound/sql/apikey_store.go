package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/accessguard/accessguard/internal/domain/apikey"
)

type apiKeyRow struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	KeyHash     string         `db:"key_hash"`
	KeyPreview  string         `db:"key_preview"`
	UserID      string         `db:"user_id"`
	StoreID     sql.NullString `db:"store_id"`
	Permissions []byte         `db:"permissions"`
	Scopes      pq.StringArray `db:"scopes"`
	LastUsedAt  sql.NullTime   `db:"last_used_at"`
	UsageCount  int64          `db:"usage_count"`
	IsActive    bool           `db:"is_active"`
	ExpiresAt   sql.NullTime   `db:"expires_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	RevokedAt   sql.NullTime   `db:"revoked_at"`
	RevokedBy   sql.NullString `db:"revoked_by"`
	Metadata    []byte         `db:"metadata"`
}

// APIKeyStore implements apikey.Store against PostgreSQL.
type APIKeyStore struct {
	db *sqlx.DB
}

// NewAPIKeyStore wraps an existing *sqlx.DB.
func NewAPIKeyStore(db *sqlx.DB) *APIKeyStore {
	return &APIKeyStore{db: db}
}

func decodeKeyRow(row apiKeyRow) (*apikey.Key, error) {
	var perms []string
	if len(row.Permissions) > 0 {
		if err := json.Unmarshal(row.Permissions, &perms); err != nil {
			return nil, fmt.Errorf("unmarshal permissions: %w", err)
		}
	}
	var meta map[string]any
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &apikey.Key{
		ID:          row.ID,
		Name:        row.Name,
		KeyHash:     row.KeyHash,
		Preview:     row.KeyPreview,
		UserID:      row.UserID,
		StoreID:     row.StoreID.String,
		Permissions: perms,
		Scopes:      []string(row.Scopes),
		UsageCount:  row.UsageCount,
		LastUsedAt:  row.LastUsedAt.Time,
		Active:      row.IsActive,
		ExpiresAt:   row.ExpiresAt.Time,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		RevokedAt:   row.RevokedAt.Time,
		RevokedBy:   row.RevokedBy.String,
		Metadata:    meta,
	}, nil
}

func (s *APIKeyStore) Create(ctx context.Context, key *apikey.Key) error {
	perms, err := json.Marshal(key.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	meta, err := json.Marshal(key.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (
			id, name, key_hash, key_preview, user_id, store_id, permissions,
			scopes, is_active, expires_at, created_at, updated_at, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		key.ID, key.Name, key.KeyHash, key.Preview, key.UserID, nullableString(key.StoreID),
		perms, pq.Array(key.Scopes), key.Active, nullableTime(key.ExpiresAt), key.CreatedAt, key.UpdatedAt, meta)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *APIKeyStore) Get(ctx context.Context, id string) (*apikey.Key, error) {
	var row apiKeyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM api_keys WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, apikey.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return decodeKeyRow(row)
}

func (s *APIKeyStore) ListActiveCandidates(ctx context.Context) ([]*apikey.Key, error) {
	var rows []apiKeyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM api_keys
		WHERE is_active = true AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > now())`)
	if err != nil {
		return nil, fmt.Errorf("list active api keys: %w", err)
	}
	return decodeKeyRows(rows)
}

func (s *APIKeyStore) ListByUser(ctx context.Context, userID string) ([]*apikey.Key, error) {
	var rows []apiKeyRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys by user: %w", err)
	}
	return decodeKeyRows(rows)
}

func decodeKeyRows(rows []apiKeyRow) ([]*apikey.Key, error) {
	out := make([]*apikey.Key, 0, len(rows))
	for _, row := range rows {
		key, err := decodeKeyRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

func (s *APIKeyStore) RecordUsage(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2, usage_count = usage_count + 1, updated_at = now() WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("record api key usage: %w", err)
	}
	return nil
}

func (s *APIKeyStore) Revoke(ctx context.Context, id, revokedBy, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = false, revoked_at = now(), revoked_by = $2,
		updated_at = now(), metadata = metadata || jsonb_build_object('revocation_reason', $3::text)
		WHERE id = $1`, id, revokedBy, reason)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}

var _ apikey.Store = (*APIKeyStore)(nil)
