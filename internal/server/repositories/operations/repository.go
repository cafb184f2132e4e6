package operations

import (
	"context"

	"github.com/dmitrijs2005/draftsync/internal/models"
)

// Repository is the server's append-only log of accepted operations.
type Repository interface {
	// Append stores op. It reports false when the op was already logged.
	Append(ctx context.Context, op models.Operation) (bool, error)
	// Since returns the draft's operations not covered by vv, in the order
	// the server accepted them.
	Since(ctx context.Context, draftID string, vv models.VersionVector) ([]models.Operation, error)
}
