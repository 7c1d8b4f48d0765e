package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"stateline/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ActorID == "" {
		return errors.New("actor_id required")
	}
	if key.Workspace == "" {
		return errors.New("workspace required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.exec(ctx, tx, `INSERT INTO api_keys(id, actor_id, workspace, role, name, key_hash, created_at) VALUES (?,?,?,?,?,?,?)`,
		key.ID, key.ActorID, key.Workspace, key.Role, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

const apiKeyColumns = `id, actor_id, workspace, role, COALESCE(name,''), key_hash, created_at`

func scanAPIKey(row interface{ Scan(...any) error }) (domain.APIKey, error) {
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.ActorID, &key.Workspace, &key.Role, &key.Name, &key.KeyHash, &key.CreatedAt)
	return key, err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, r.DB.Rebind(`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? LIMIT 1`), hash)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

// ListAPIKeys returns API keys of a workspace, optionally filtered by actor ID.
func (r Repo) ListAPIKeys(ctx context.Context, workspace, actorID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE workspace=?`
	args := []any{workspace}
	if actorID != "" {
		query += ` AND actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, r.DB.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey deletes a workspace API key by ID. Credentials are not soft-deleted.
func (r Repo) DeleteAPIKey(ctx context.Context, tx *sql.Tx, workspace, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.exec(ctx, tx, `DELETE FROM api_keys WHERE workspace=? AND id=?`, workspace, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
