package metadata

import (
	"context"

	"github.com/dmitrijs2005/draftsync/internal/models"
)

// Repository is the client's small key/value table for device identity and
// per-draft sync bookkeeping.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)

	// ParticipantID returns the stored participant identity, "" when unset.
	ParticipantID(ctx context.Context) (string, error)
	SetParticipantID(ctx context.Context, id string) error

	// ServerVector is the last version vector the server reported for the
	// draft; empty when nothing was reported yet.
	ServerVector(ctx context.Context, draftID string) (models.VersionVector, error)
	SetServerVector(ctx context.Context, draftID string, vv models.VersionVector) error

	// ForgetDraft drops every key kept for the draft.
	ForgetDraft(ctx context.Context, draftID string) error
}
