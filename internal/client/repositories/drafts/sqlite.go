// Package drafts stores draft base snapshots in the client's SQLite database.
package drafts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/dbx"
	"github.com/dmitrijs2005/draftsync/internal/models"
)

type SQLiteRepository struct {
	db  dbx.DBTX
	now func() time.Time
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

func (r *SQLiteRepository) Get(ctx context.Context, draftID string) (*models.Draft, int64, error) {
	var (
		raw     []byte
		baseSeq int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT base, base_seq FROM drafts WHERE draft_id = ?`, draftID).Scan(&raw, &baseSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, common.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get draft %s: %w", draftID, err)
	}

	base := &models.Draft{}
	if err := sonic.Unmarshal(raw, base); err != nil {
		return nil, 0, &common.CorruptStateError{DraftID: draftID, Seq: baseSeq, Err: err}
	}
	return base, baseSeq, nil
}

func (r *SQLiteRepository) Upsert(ctx context.Context, base *models.Draft, baseSeq int64) error {
	raw, err := sonic.Marshal(base)
	if err != nil {
		return fmt.Errorf("failed to encode draft %s: %w", base.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO drafts (draft_id, base, base_seq, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(draft_id) DO UPDATE SET
			base = excluded.base,
			base_seq = excluded.base_seq,
			updated_at = excluded.updated_at
	`, base.ID, raw, baseSeq, r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert draft %s: %w", base.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, draftID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM drafts WHERE draft_id = ?`, draftID); err != nil {
		return fmt.Errorf("failed to delete draft %s: %w", draftID, err)
	}
	return nil
}

func (r *SQLiteRepository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT draft_id FROM drafts ORDER BY draft_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan draft row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate draft rows: %w", err)
	}
	return ids, nil
}
