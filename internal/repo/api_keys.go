package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"duewatch/internal/domain"
)

const apiKeyColumns = "id, actor_id, COALESCE(name,''), key_hash, created_at, last_used_at"

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var (
		key      domain.APIKey
		created  string
		lastUsed sql.NullString
	)
	if err := row.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &created, &lastUsed); err != nil {
		return domain.APIKey{}, err
	}
	var err error
	if key.CreatedAt, err = parseTime(created); err != nil {
		return domain.APIKey{}, err
	}
	if key.LastUsedAt, err = parseTimePtr(lastUsed); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// InsertAPIKey stores a hashed operator key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("id required")
	case key.ActorID == "":
		return errors.New("actor_id required")
	case key.KeyHash == "":
		return errors.New("key_hash required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, name, key_hash, created_at, last_used_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, formatTime(key.CreatedAt), formatTimePtr(key.LastUsedAt))
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

// TouchAPIKey records that the key authenticated a request at the given time.
// Older timestamps never overwrite newer ones.
func (r Repo) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=? AND (last_used_at IS NULL OR last_used_at < ?)`,
		formatTime(at), id, formatTime(at))
	return err
}

// ListAPIKeys returns API keys, newest first, optionally filtered by actor ID.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	b := sq.Select(apiKeyColumns).From("api_keys").OrderBy("created_at DESC", "id")
	if actorID != "" {
		b = b.Where(sq.Eq{"actor_id": actorID})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
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

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
