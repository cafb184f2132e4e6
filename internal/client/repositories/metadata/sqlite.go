// Package metadata stores device identity and per-draft sync bookkeeping in
// the client's SQLite database.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/dmitrijs2005/draftsync/internal/dbx"
	"github.com/dmitrijs2005/draftsync/internal/models"
)

const (
	keyParticipantID   = "participant_id"
	serverVectorPrefix = "server_vv:"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Get returns (nil, nil) for an absent key.
func (r *SQLiteRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

func (r *SQLiteRepository) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete metadata[%s]: %w", key, err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) (map[string][]byte, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metadata row: %w", err)
		}
		result[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metadata rows: %w", err)
	}

	return result, nil
}

func (r *SQLiteRepository) ParticipantID(ctx context.Context) (string, error) {
	v, err := r.Get(ctx, keyParticipantID)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (r *SQLiteRepository) SetParticipantID(ctx context.Context, id string) error {
	return r.Set(ctx, keyParticipantID, []byte(id))
}

func (r *SQLiteRepository) ServerVector(ctx context.Context, draftID string) (models.VersionVector, error) {
	raw, err := r.Get(ctx, serverVectorPrefix+draftID)
	if err != nil {
		return nil, err
	}
	vv := models.VersionVector{}
	if raw == nil {
		return vv, nil
	}
	if err := sonic.Unmarshal(raw, &vv); err != nil {
		return nil, fmt.Errorf("failed to decode server vector of %s: %w", draftID, err)
	}
	return vv, nil
}

func (r *SQLiteRepository) SetServerVector(ctx context.Context, draftID string, vv models.VersionVector) error {
	raw, err := sonic.Marshal(vv)
	if err != nil {
		return fmt.Errorf("failed to encode server vector of %s: %w", draftID, err)
	}
	return r.Set(ctx, serverVectorPrefix+draftID, raw)
}

func (r *SQLiteRepository) ForgetDraft(ctx context.Context, draftID string) error {
	return r.Delete(ctx, serverVectorPrefix+draftID)
}
