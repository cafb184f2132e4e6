package drafts

import (
	"context"

	"github.com/dmitrijs2005/draftsync/internal/models"
)

// Repository persists the base snapshot of each draft. The live draft is
// the base plus the replay of the draft's operation log.
type Repository interface {
	// Get returns the base snapshot and the log seq it covers, or
	// common.ErrNotFound.
	Get(ctx context.Context, draftID string) (*models.Draft, int64, error)

	// Upsert stores the base snapshot covering the log up to baseSeq.
	Upsert(ctx context.Context, base *models.Draft, baseSeq int64) error

	// Delete removes the draft row. Deleting an absent draft is not an error.
	Delete(ctx context.Context, draftID string) error

	// ListIDs returns every stored draft ID in lexical order.
	ListIDs(ctx context.Context) ([]string, error)
}
