package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tollgate/tollgate/internal/model"
)

// tokenRow is a flat struct that maps 1:1 to the api_tokens table. Scopes
// and the endpoint allow-list are stored as JSON arrays.
type tokenRow struct {
	ID                   int64      `db:"id"`
	SecretHash           string     `db:"secret_hash"`
	SecretPrefix         string     `db:"secret_prefix"`
	DisplayName          string     `db:"display_name"`
	Description          string     `db:"description"`
	ScopesJSON           string     `db:"scopes_json"`
	AllowedEndpointsJSON string     `db:"allowed_endpoints_json"`
	RateLimitPerMinute   int        `db:"rate_limit_per_minute"`
	IsActive             bool       `db:"is_active"`
	ExpiresAt            *time.Time `db:"expires_at"`
	CreatedBy            string     `db:"created_by"`
	CreatedAt            time.Time  `db:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at"`
	LastUsedAt           *time.Time `db:"last_used_at"`
}

func tokenRowFromModel(t *model.APIToken) (tokenRow, error) {
	scopes := t.Scopes
	if scopes == nil {
		scopes = []model.Scope{}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return tokenRow{}, fmt.Errorf("marshal scopes: %w", err)
	}
	endpoints := t.AllowedEndpoints
	if endpoints == nil {
		endpoints = []string{}
	}
	endpointsJSON, err := json.Marshal(endpoints)
	if err != nil {
		return tokenRow{}, fmt.Errorf("marshal allowed endpoints: %w", err)
	}
	return tokenRow{
		ID:                   t.ID,
		SecretHash:           t.SecretHash,
		SecretPrefix:         t.SecretPrefix,
		DisplayName:          t.DisplayName,
		Description:          t.Description,
		ScopesJSON:           string(scopesJSON),
		AllowedEndpointsJSON: string(endpointsJSON),
		RateLimitPerMinute:   t.RateLimitPerMinute,
		IsActive:             t.IsActive,
		ExpiresAt:            t.ExpiresAt,
		CreatedBy:            t.CreatedBy,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
		LastUsedAt:           t.LastUsedAt,
	}, nil
}

func (r tokenRow) toModel() (model.APIToken, error) {
	scopes := []model.Scope{}
	if r.ScopesJSON != "" {
		if err := json.Unmarshal([]byte(r.ScopesJSON), &scopes); err != nil {
			return model.APIToken{}, fmt.Errorf("unmarshal scopes: %w", err)
		}
	}
	endpoints := []string{}
	if r.AllowedEndpointsJSON != "" {
		if err := json.Unmarshal([]byte(r.AllowedEndpointsJSON), &endpoints); err != nil {
			return model.APIToken{}, fmt.Errorf("unmarshal allowed endpoints: %w", err)
		}
	}
	return model.APIToken{
		ID:                 r.ID,
		SecretHash:         r.SecretHash,
		SecretPrefix:       r.SecretPrefix,
		DisplayName:        r.DisplayName,
		Description:        r.Description,
		Scopes:             scopes,
		AllowedEndpoints:   endpoints,
		RateLimitPerMinute: r.RateLimitPerMinute,
		IsActive:           r.IsActive,
		ExpiresAt:          r.ExpiresAt,
		CreatedBy:          r.CreatedBy,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		LastUsedAt:         r.LastUsedAt,
	}, nil
}

// ---------------------------------------------------------------------------
// API token CRUD
// ---------------------------------------------------------------------------

// CreateToken inserts a new token record. SecretHash must already be set
// (use HashSecret). The ID, CreatedAt, and UpdatedAt fields are populated
// after insert.
func (s *Store) CreateToken(ctx context.Context, tok *model.APIToken) error {
	now := time.Now().UTC()
	tok.CreatedAt = now
	tok.UpdatedAt = now

	row, err := tokenRowFromModel(tok)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_tokens
		(secret_hash, secret_prefix, display_name, description, scopes_json, allowed_endpoints_json,
		 rate_limit_per_minute, is_active, expires_at, created_by, created_at, updated_at)
		VALUES
		(:secret_hash, :secret_prefix, :display_name, :description, :scopes_json, :allowed_endpoints_json,
		 :rate_limit_per_minute, :is_active, :expires_at, :created_by, :created_at, :updated_at)`

	id, err := s.insertReturningID(ctx, s.db, q, row)
	if err != nil {
		return fmt.Errorf("insert api token: %w", err)
	}
	tok.ID = id
	return nil
}

// GetToken returns a token by ID.
func (s *Store) GetToken(ctx context.Context, id int64) (*model.APIToken, error) {
	var row tokenRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT * FROM api_tokens WHERE id = ?"), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api token: %w", err)
	}
	tok, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// ListTokens returns all tokens, active or not, oldest first.
func (s *Store) ListTokens(ctx context.Context) ([]model.APIToken, error) {
	var rows []tokenRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM api_tokens ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list api tokens: %w", err)
	}
	tokens := make([]model.APIToken, 0, len(rows))
	for _, r := range rows {
		tok, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("token %d: %w", r.ID, err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// UpdateToken writes the mutable fields of tok. The secret is not touched;
// use RotateTokenSecret for that. UpdatedAt is refreshed automatically.
func (s *Store) UpdateToken(ctx context.Context, tok *model.APIToken) error {
	tok.UpdatedAt = time.Now().UTC()
	row, err := tokenRowFromModel(tok)
	if err != nil {
		return err
	}

	const q = `UPDATE api_tokens SET
		display_name = :display_name, description = :description, scopes_json = :scopes_json,
		allowed_endpoints_json = :allowed_endpoints_json, rate_limit_per_minute = :rate_limit_per_minute,
		is_active = :is_active, expires_at = :expires_at, updated_at = :updated_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return fmt.Errorf("update api token: %w", err)
	}
	return expectOneRow(result, "update api token")
}

// TouchTokenLastUsed sets the last_used_at timestamp for a token.
func (s *Store) TouchTokenLastUsed(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE api_tokens SET last_used_at = ? WHERE id = ?"), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update api token last used: %w", err)
	}
	return expectOneRow(result, "update api token last used")
}

// ---------------------------------------------------------------------------
// Rotation
// ---------------------------------------------------------------------------

// RotateTokenSecret replaces the stored hash and prefix of a token and
// appends rec to the rotation trail in a single transaction. rec.ID and
// rec.RotatedAt are populated on success.
func (s *Store) RotateTokenSecret(ctx context.Context, tokenID int64, newHash, newPrefix string, rec *model.RotationRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		tx.Rebind("UPDATE api_tokens SET secret_hash = ?, secret_prefix = ?, updated_at = ? WHERE id = ?"),
		newHash, newPrefix, now, tokenID)
	if err != nil {
		return fmt.Errorf("replace token secret: %w", classifyWriteError(err))
	}
	if err := expectOneRow(result, "replace token secret"); err != nil {
		return err
	}

	rec.TokenID = tokenID
	rec.RotatedAt = now
	const q = `INSERT INTO token_rotations (token_id, rotated_by, reason, rotated_at)
		VALUES (:token_id, :rotated_by, :reason, :rotated_at)`
	id, err := s.insertReturningID(ctx, tx, q, rec)
	if err != nil {
		return fmt.Errorf("insert rotation record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}
	rec.ID = id
	return nil
}

// ListRotations returns the rotation trail of a token, newest first.
func (s *Store) ListRotations(ctx context.Context, tokenID int64) ([]model.RotationRecord, error) {
	var recs []model.RotationRecord
	err := s.db.SelectContext(ctx, &recs,
		s.db.Rebind("SELECT * FROM token_rotations WHERE token_id = ? ORDER BY rotated_at DESC, id DESC"), tokenID)
	if err != nil {
		return nil, fmt.Errorf("list rotations: %w", err)
	}
	return recs, nil
}
