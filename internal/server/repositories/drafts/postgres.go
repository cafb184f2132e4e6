// Package drafts provides the PostgreSQL-backed store of draft snapshots.
package drafts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/dbx"
	"github.com/dmitrijs2005/draftsync/internal/models"
)

// PostgresRepository implements draft storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Lock(ctx context.Context, id string) (*models.Draft, error) {
	empty, err := sonic.Marshal(models.NewDraft(id))
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}

	query := `INSERT INTO drafts (id, snapshot) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, id, empty); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return r.scan(r.db.QueryRowContext(ctx, `SELECT snapshot FROM drafts WHERE id = $1 FOR UPDATE`, id))
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Draft, error) {
	return r.scan(r.db.QueryRowContext(ctx, `SELECT snapshot FROM drafts WHERE id = $1`, id))
}

func (r *PostgresRepository) Save(ctx context.Context, d *models.Draft) error {
	b, err := sonic.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `UPDATE drafts SET snapshot = $2, updated_at = now() WHERE id = $1`, d.ID, b)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) scan(row dbx.Scanner) (*models.Draft, error) {
	var b []byte
	if err := row.Scan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	d := &models.Draft{}
	if err := sonic.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCorruptState, err)
	}
	return d, nil
}
