package drafts

import (
	"context"

	"github.com/dmitrijs2005/draftsync/internal/models"
)

// Repository persists the authoritative snapshot of each draft.
type Repository interface {
	// Lock returns the draft's snapshot, creating an empty draft if none
	// exists, and holds its row lock until the surrounding transaction ends.
	Lock(ctx context.Context, id string) (*models.Draft, error)
	Get(ctx context.Context, id string) (*models.Draft, error)
	Save(ctx context.Context, d *models.Draft) error
}
