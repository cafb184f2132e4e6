package oplog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/client/migrations"
	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Up(context.Background(), db))
	return db
}

func entry(draftID, p string, seq int64, origin models.Origin, status models.OpStatus) *models.LogEntry {
	return &models.LogEntry{
		Op: models.Operation{
			OpID: models.NewOpID(p, seq), DraftID: draftID, FieldPath: models.FieldMessage,
			Value: models.Text("m"), Timestamp: seq, ParticipantID: p, Seq: seq,
		},
		Origin: origin,
		Status: status,
	}
}

func TestAppend_AssignsIncreasingSeq(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	s1, err := r.Append(ctx, entry("d", "a", 1, models.OriginLocal, models.StatusPending))
	require.NoError(t, err)
	s2, err := r.Append(ctx, entry("d", "b", 1, models.OriginRemote, models.StatusApplied))
	require.NoError(t, err)
	other, err := r.Append(ctx, entry("e", "a", 1, models.OriginLocal, models.StatusPending))
	require.NoError(t, err)

	assert.Equal(t, int64(1), s1)
	assert.Equal(t, int64(2), s2)
	assert.Equal(t, int64(1), other)

	list, err := r.List(ctx, "d")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a:1", list[0].Op.OpID)
	assert.Equal(t, models.Text("m"), list[0].Op.Value)
	assert.Equal(t, models.OriginRemote, list[1].Origin)

	n, err := r.Count(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAppend_ContinuesAfterBaseSeq(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	_, err := db.Exec(`INSERT INTO drafts (draft_id, base, base_seq) VALUES ('d', x'7b7d', 10)`)
	require.NoError(t, err)

	seq, err := r.Append(ctx, entry("d", "a", 1, models.OriginLocal, models.StatusPending))
	require.NoError(t, err)
	assert.Equal(t, int64(11), seq)
}

func TestAppend_DuplicateOpIDFails(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	_, err := r.Append(ctx, entry("d", "a", 1, models.OriginLocal, models.StatusPending))
	require.NoError(t, err)
	_, err = r.Append(ctx, entry("d", "a", 1, models.OriginLocal, models.StatusPending))
	require.Error(t, err)
}

func TestOutboxAndDelivery(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	for _, e := range []*models.LogEntry{
		entry("d2", "a", 1, models.OriginLocal, models.StatusPending),
		entry("d1", "a", 1, models.OriginLocal, models.StatusAcked),
		entry("d1", "a", 2, models.OriginLocal, models.StatusInFlight),
		entry("d1", "b", 1, models.OriginRemote, models.StatusApplied),
		entry("d1", "a", 3, models.OriginLocal, models.StatusFailed),
	} {
		_, err := r.Append(ctx, e)
		require.NoError(t, err)
	}

	out, err := r.Outbox(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(out))
	for _, e := range out {
		ids = append(ids, e.Op.DraftID+"/"+e.Op.OpID)
	}
	assert.Equal(t, []string{"d1/a:2", "d1/a:3", "d2/a:1"}, ids)

	retryAt := time.UnixMilli(1700000000123).UTC()
	ok, err := r.SetDelivery(ctx, "d2", "a:1", Delivery{Status: models.StatusPending, Attempt: 2, NextRetryAt: retryAt, LastError: "boom"})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := r.Get(ctx, "d2", "a:1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, retryAt, got.NextRetryAt)
	assert.Equal(t, "boom", got.LastError)

	ok, err = r.SetDelivery(ctx, "d2", "zz:1", Delivery{Status: models.StatusAcked})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.SetDelivery(ctx, "d2", "a:1", Delivery{Status: models.StatusAcked, Attempt: 2})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.SetDelivery(ctx, "d2", "a:1", Delivery{Status: models.StatusPending, Attempt: 3, LastError: "late"})
	require.NoError(t, err)
	assert.False(t, ok, "an acked entry stays acked")
	got, err = r.Get(ctx, "d2", "a:1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAcked, got.Status)
	assert.Equal(t, 2, got.Attempt)

	_, err = r.Get(ctx, "d2", "zz:1")
	require.ErrorIs(t, err, common.ErrNotFound)

	n, err := r.ResetInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err = r.Get(ctx, "d1", "a:2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestDeletes(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		status := models.StatusPending
		if seq <= 2 {
			status = models.StatusAcked
		}
		_, err := r.Append(ctx, entry("d", "a", seq, models.OriginLocal, status))
		require.NoError(t, err)
	}

	_, err := r.Append(ctx, entry("d", "b", 1, models.OriginRemote, models.StatusApplied))
	require.NoError(t, err)

	ids, err := r.UnackedOpIDs(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:3", "a:4", "a:5"}, ids)

	require.NoError(t, r.DeleteLocalFrom(ctx, "d", 5))
	require.NoError(t, r.DeleteThrough(ctx, "d", 1))
	list, err := r.List(ctx, "d")
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, int64(2), list[0].Seq)
	assert.Equal(t, "b:1", list[3].Op.OpID)

	require.NoError(t, r.DeleteSettled(ctx, "d"))
	list, err = r.List(ctx, "d")
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, r.DeleteDraft(ctx, "d"))
	n, err := r.Count(ctx, "d")
	require.NoError(t, err)
	assert.Zero(t, n)
}
