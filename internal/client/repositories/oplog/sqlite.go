// Package oplog stores each draft's ordered operation log together with
// the delivery state of locally authored operations.
package oplog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/dbx"
	"github.com/dmitrijs2005/draftsync/internal/models"
)

const selectColumns = `draft_id, seq, op_id, participant_id, op_seq, field_path, value, timestamp,
	origin, status, attempt, next_retry_at, last_error`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func scanEntry(s dbx.Scanner) (models.LogEntry, error) {
	var (
		e       models.LogEntry
		raw     []byte
		path    string
		origin  string
		status  string
		retryAt int64
	)
	err := s.Scan(&e.Op.DraftID, &e.Seq, &e.Op.OpID, &e.Op.ParticipantID, &e.Op.Seq, &path, &raw,
		&e.Op.Timestamp, &origin, &status, &e.Attempt, &retryAt, &e.LastError)
	if err != nil {
		return models.LogEntry{}, err
	}
	v, err := models.UnmarshalValue(raw)
	if err != nil {
		return models.LogEntry{}, &common.CorruptStateError{DraftID: e.Op.DraftID, Seq: e.Seq, Err: err}
	}
	e.Op.FieldPath = models.FieldPath(path)
	e.Op.Value = v
	e.Origin = models.Origin(origin)
	e.Status = models.OpStatus(status)
	e.NextRetryAt = fromMillis(retryAt)
	return e, nil
}

func collect(rows *sql.Rows) ([]models.LogEntry, error) {
	defer rows.Close()
	var out []models.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan oplog row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate oplog rows: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) Append(ctx context.Context, e *models.LogEntry) (int64, error) {
	raw, err := models.MarshalValue(e.Op.Value)
	if err != nil {
		return 0, fmt.Errorf("failed to encode value of %s: %w", e.Op.OpID, err)
	}

	var seq int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO oplog (draft_id, seq, op_id, participant_id, op_seq, field_path, value, timestamp,
			origin, status, attempt, next_retry_at, last_error)
		VALUES (?,
			COALESCE(
				(SELECT MAX(seq) FROM oplog WHERE draft_id = ?),
				(SELECT base_seq FROM drafts WHERE draft_id = ?),
				0) + 1,
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`, e.Op.DraftID, e.Op.DraftID, e.Op.DraftID,
		e.Op.OpID, e.Op.ParticipantID, e.Op.Seq, string(e.Op.FieldPath), raw, e.Op.Timestamp,
		string(e.Origin), string(e.Status), e.Attempt, toMillis(e.NextRetryAt), e.LastError,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to append %s: %w", e.Op.OpID, err)
	}
	e.Seq = seq
	return seq, nil
}

func (r *SQLiteRepository) List(ctx context.Context, draftID string) ([]models.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM oplog WHERE draft_id = ? ORDER BY seq`, draftID)
	if err != nil {
		return nil, fmt.Errorf("failed to list oplog of %s: %w", draftID, err)
	}
	return collect(rows)
}

func (r *SQLiteRepository) Count(ctx context.Context, draftID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM oplog WHERE draft_id = ?`, draftID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count oplog of %s: %w", draftID, err)
	}
	return n, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, draftID, opID string) (*models.LogEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM oplog WHERE draft_id = ? AND op_id = ?`, draftID, opID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", opID, err)
	}
	return &e, nil
}

func (r *SQLiteRepository) Outbox(ctx context.Context) ([]models.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM oplog
		WHERE origin = ? AND status IN (?, ?, ?)
		ORDER BY draft_id, seq
	`, string(models.OriginLocal), string(models.StatusPending), string(models.StatusInFlight), string(models.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	return collect(rows)
}

// SetDelivery updates the delivery state of one entry. An acked entry is
// never moved back; updating it reports false.
func (r *SQLiteRepository) SetDelivery(ctx context.Context, draftID, opID string, d Delivery) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE oplog SET status = ?, attempt = ?, next_retry_at = ?, last_error = ?
		WHERE draft_id = ? AND op_id = ? AND status <> ?
	`, string(d.Status), d.Attempt, toMillis(d.NextRetryAt), d.LastError, draftID, opID, string(models.StatusAcked))
	if err != nil {
		return false, fmt.Errorf("failed to update delivery of %s: %w", opID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE oplog SET status = ? WHERE status = ?`,
		string(models.StatusPending), string(models.StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) UnackedOpIDs(ctx context.Context, draftID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT op_id FROM oplog
		WHERE draft_id = ? AND origin = ? AND status IN (?, ?, ?)
		ORDER BY seq
	`, draftID, string(models.OriginLocal), string(models.StatusPending), string(models.StatusInFlight), string(models.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to list unacked entries of %s: %w", draftID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan oplog row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate oplog rows: %w", err)
	}
	return ids, nil
}

func (r *SQLiteRepository) DeleteLocalFrom(ctx context.Context, draftID string, seq int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM oplog WHERE draft_id = ? AND origin = ? AND seq >= ?`,
		draftID, string(models.OriginLocal), seq)
	if err != nil {
		return fmt.Errorf("failed to truncate oplog of %s: %w", draftID, err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteThrough(ctx context.Context, draftID string, seq int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM oplog WHERE draft_id = ? AND seq <= ?`, draftID, seq); err != nil {
		return fmt.Errorf("failed to purge oplog of %s: %w", draftID, err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteSettled(ctx context.Context, draftID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM oplog WHERE draft_id = ? AND status IN (?, ?)`,
		draftID, string(models.StatusAcked), string(models.StatusApplied))
	if err != nil {
		return fmt.Errorf("failed to purge settled entries of %s: %w", draftID, err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteDraft(ctx context.Context, draftID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM oplog WHERE draft_id = ?`, draftID); err != nil {
		return fmt.Errorf("failed to delete oplog of %s: %w", draftID, err)
	}
	return nil
}
