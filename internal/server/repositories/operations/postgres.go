// Package operations provides the PostgreSQL-backed operation log the server
// replays to participants that rejoin a draft.
package operations

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/dbx"
	"github.com/dmitrijs2005/draftsync/internal/models"
)

// PostgresRepository implements the operation log over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Append(ctx context.Context, op models.Operation) (bool, error) {
	value, err := models.MarshalValue(op.Value)
	if err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrMalformedOp, err)
	}

	query := `
		INSERT INTO operations (draft_id, op_id, participant_id, seq, timestamp, field_path, value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (draft_id, op_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		op.DraftID, op.OpID, op.ParticipantID, op.Seq, op.Timestamp, string(op.FieldPath), value)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) Since(ctx context.Context, draftID string, vv models.VersionVector) ([]models.Operation, error) {
	query := `
		SELECT op_id, participant_id, seq, timestamp, field_path, value
		FROM operations WHERE draft_id = $1 ORDER BY server_seq
	`
	rows, err := r.db.QueryContext(ctx, query, draftID)
	if err != nil {
		return nil, fmt.Errorf("failed to select operations: %w", err)
	}
	defer rows.Close()

	var result []models.Operation
	for rows.Next() {
		op := models.Operation{DraftID: draftID}
		var (
			path  string
			value []byte
		)
		if err := rows.Scan(&op.OpID, &op.ParticipantID, &op.Seq, &op.Timestamp, &path, &value); err != nil {
			return nil, err
		}
		if vv.Covers(op.ParticipantID, op.Seq) {
			continue
		}
		op.FieldPath = models.FieldPath(path)
		if op.Value, err = models.UnmarshalValue(value); err != nil {
			return nil, fmt.Errorf("%w: operation %s: %v", common.ErrCorruptState, op.OpID, err)
		}
		result = append(result, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
