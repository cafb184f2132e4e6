package oplog

import (
	"context"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/models"
)

// Delivery is a delivery-state update for one local operation.
type Delivery struct {
	Status      models.OpStatus
	Attempt     int
	NextRetryAt time.Time
	LastError   string
}

// Repository is the per-draft ordered operation log.
type Repository interface {
	// Append stores e after the draft's last entry and returns its log seq.
	// The seq never goes back below the draft's base_seq.
	Append(ctx context.Context, e *models.LogEntry) (int64, error)

	// List returns the draft's entries in log order.
	List(ctx context.Context, draftID string) ([]models.LogEntry, error)

	// Count returns the number of entries logged for the draft.
	Count(ctx context.Context, draftID string) (int, error)

	// Get returns the entry holding opID, or common.ErrNotFound.
	Get(ctx context.Context, draftID, opID string) (*models.LogEntry, error)

	// Outbox returns every local entry not yet acknowledged (pending,
	// in_flight or failed) ordered by draft and log seq.
	Outbox(ctx context.Context) ([]models.LogEntry, error)

	// SetDelivery updates the delivery state of opID. It reports whether a
	// row was changed.
	SetDelivery(ctx context.Context, draftID, opID string, d Delivery) (bool, error)

	// ResetInFlight moves every in_flight entry back to pending.
	ResetInFlight(ctx context.Context) (int64, error)

	// UnackedOpIDs returns the op IDs of the draft's local entries that are
	// not acknowledged yet.
	UnackedOpIDs(ctx context.Context, draftID string) ([]string, error)

	// DeleteLocalFrom removes the local entries with log seq >= seq. Remote
	// entries are kept.
	DeleteLocalFrom(ctx context.Context, draftID string, seq int64) error

	// DeleteThrough removes the entries with log seq <= seq.
	DeleteThrough(ctx context.Context, draftID string, seq int64) error

	// DeleteSettled removes acked and applied entries of the draft.
	DeleteSettled(ctx context.Context, draftID string) error

	// DeleteDraft removes the whole log of the draft.
	DeleteDraft(ctx context.Context, draftID string) error
}
