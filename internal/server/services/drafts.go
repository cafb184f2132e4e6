// Package services holds the server's use cases: applying participants'
// operations to the authoritative drafts and handing out asset URLs.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/dbx"
	"github.com/dmitrijs2005/draftsync/internal/logging"
	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/dmitrijs2005/draftsync/internal/resolver"
	"github.com/dmitrijs2005/draftsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/draftsync/internal/wire"
)

// SnapshotCache is an optional read-through cache in front of the drafts
// table.
type SnapshotCache interface {
	Get(ctx context.Context, draftID string) (*models.Draft, error)
	Set(ctx context.Context, d *models.Draft) error
	Invalidate(ctx context.Context, draftID string) error
}

// ApplyResult is the outcome of one batch of operations.
type ApplyResult struct {
	Accepted []string
	Rejected []wire.Rejection
	// Applied lists the operations logged by this call, in order. Accepted
	// duplicates are not repeated here.
	Applied []models.Operation
	// Conflicts names applied operations whose write lost to an existing
	// one. Each belongs to the author of ConflictInfo.OpID.
	Conflicts []resolver.ConflictInfo
	Vector    models.VersionVector
}

type DraftService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	cache       SnapshotCache
	schema      *models.Schema
	logger      logging.Logger
}

type DraftServiceOption func(*DraftService)

func WithSnapshotCache(c SnapshotCache) DraftServiceOption {
	return func(s *DraftService) { s.cache = c }
}

func WithLogger(l logging.Logger) DraftServiceOption {
	return func(s *DraftService) { s.logger = l }
}

func WithSchema(schema *models.Schema) DraftServiceOption {
	return func(s *DraftService) { s.schema = schema }
}

func NewDraftService(db *sql.DB, repomanager repomanager.RepositoryManager, opts ...DraftServiceOption) *DraftService {
	s := &DraftService{
		db:          db,
		repomanager: repomanager,
		schema:      models.DefaultSchema(),
		logger:      logging.Nop{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply merges ops, sent by participantID, into draftID in one transaction.
//
// Malformed operations and operations authored by someone else are
// rejected. Operations already merged are accepted again without effect.
// Processing stops at the first operation whose author has a gap before it;
// it and the rest of the batch are left unanswered. If that leaves nothing
// answered at all the call fails with common.ErrOutOfOrder.
func (s *DraftService) Apply(ctx context.Context, participantID, draftID string, ops []models.Operation) (*ApplyResult, error) {
	if draftID == "" {
		return nil, fmt.Errorf("%w: missing draft id", common.ErrMalformedOp)
	}

	res := &ApplyResult{}
	var (
		gap   error
		saved *models.Draft
	)

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		draftsRepo := s.repomanager.Drafts(tx)
		opsRepo := s.repomanager.Operations(tx)

		d, err := draftsRepo.Lock(ctx, draftID)
		if err != nil {
			return err
		}

		for _, op := range ops {
			if reason := s.check(participantID, draftID, op); reason != "" {
				res.Rejected = append(res.Rejected, wire.Rejection{OpID: op.OpID, Reason: reason})
				continue
			}

			if d.VersionVector.Covers(op.ParticipantID, op.Seq) {
				res.Accepted = append(res.Accepted, op.OpID)
				continue
			}

			next, _, err := resolver.Merge(d, op, nil)
			if errors.Is(err, common.ErrOutOfOrder) {
				gap = err
				break
			}
			if err != nil {
				res.Rejected = append(res.Rejected, wire.Rejection{OpID: op.OpID, Reason: wire.ReasonMalformed})
				continue
			}

			if _, err := opsRepo.Append(ctx, op); err != nil {
				return err
			}
			d = next

			res.Accepted = append(res.Accepted, op.OpID)
			res.Applied = append(res.Applied, op)
			if resolver.Superseded(d, op) {
				res.Conflicts = append(res.Conflicts, resolver.ConflictInfo{
					OpID:            op.OpID,
					FieldPath:       op.FieldPath,
					SupersededValue: op.Value,
					WinningOpID:     d.Fields[op.FieldPath].OpID,
				})
			}
		}

		res.Vector = d.VersionVector.Clone()
		if len(res.Applied) == 0 {
			return nil
		}
		if err := draftsRepo.Save(ctx, d); err != nil {
			return err
		}
		// Written under the row lock so a slower writer cannot put an
		// older snapshot back after a newer one.
		saved = d
		s.cacheSnapshot(ctx, saved)
		return nil
	})
	if err != nil {
		if saved != nil && s.cache != nil {
			if err := s.cache.Invalidate(ctx, draftID); err != nil {
				s.logger.Warn(ctx, "snapshot cache invalidate failed", "draft_id", draftID, "error", err)
			}
		}
		return nil, err
	}

	if gap != nil && len(res.Accepted) == 0 && len(res.Rejected) == 0 {
		return nil, gap
	}
	if gap != nil {
		s.logger.Debug(ctx, "batch stopped at causal gap", "draft_id", draftID, "error", gap)
	}
	return res, nil
}

func (s *DraftService) check(participantID, draftID string, op models.Operation) string {
	if op.DraftID != draftID {
		return wire.ReasonMalformed
	}
	if err := op.Validate(s.schema); err != nil {
		return wire.ReasonMalformed
	}
	if op.ParticipantID != participantID {
		return wire.ReasonPermissionDenied
	}
	return ""
}

// cacheSnapshot stores d, or drops the cached copy when it cannot be
// replaced.
func (s *DraftService) cacheSnapshot(ctx context.Context, d *models.Draft) {
	if s.cache == nil {
		return
	}
	err := s.cache.Set(ctx, d)
	if err == nil {
		return
	}
	s.logger.Warn(ctx, "snapshot cache write failed", "draft_id", d.ID, "error", err)
	if err := s.cache.Invalidate(ctx, d.ID); err != nil {
		s.logger.Warn(ctx, "snapshot cache invalidate failed", "draft_id", d.ID, "error", err)
	}
}

// Snapshot returns the authoritative state of draftID. A draft nobody has
// written to yet is returned empty.
func (s *DraftService) Snapshot(ctx context.Context, draftID string) (*models.Draft, error) {
	if s.cache != nil {
		d, err := s.cache.Get(ctx, draftID)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			s.logger.Warn(ctx, "snapshot cache read failed", "draft_id", draftID, "error", err)
		}
	}

	d, err := s.repomanager.Drafts(s.db).Get(ctx, draftID)
	if errors.Is(err, common.ErrNotFound) {
		return models.NewDraft(draftID), nil
	}
	if err != nil {
		return nil, err
	}

	s.cacheSnapshot(ctx, d)
	return d, nil
}

// Missing returns the operations of draftID that vv has not seen, in the
// order the server accepted them.
func (s *DraftService) Missing(ctx context.Context, draftID string, vv models.VersionVector) ([]models.Operation, error) {
	return s.repomanager.Operations(s.db).Since(ctx, draftID, vv)
}
