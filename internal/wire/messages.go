package wire

import (
	"time"

	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/dmitrijs2005/draftsync/internal/resolver"
)

// PingStatusOK is the only healthy ping status.
const PingStatusOK = "OK"

type PingRequest struct{}

type PingResponse struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"serverTime"`
}

// DrainRequest delivers a draft's queued operations in seq order.
type DrainRequest struct {
	DraftID            string               `json:"draftId"`
	SinceVersionVector models.VersionVector `json:"sinceVersionVector"`
	Operations         []models.Operation   `json:"operations"`
}

// Rejection reasons. Version mismatches are never rejected; they are
// resolved by the resolver.
const (
	ReasonMalformed        = "malformed"
	ReasonPermissionDenied = "permission_denied"
)

type Rejection struct {
	OpID   string `json:"opId"`
	Reason string `json:"reason"`
}

type DrainResponse struct {
	Accepted            []string             `json:"accepted"`
	Rejected            []Rejection          `json:"rejected"`
	ServerVersionVector models.VersionVector `json:"serverVersionVector"`
}

// FrameType tags a realtime channel frame.
type FrameType string

const (
	FrameJoin          FrameType = "JOIN"
	FrameStateSnapshot FrameType = "STATE_SNAPSHOT"
	FrameOp            FrameType = "OP"
	FrameAck           FrameType = "ACK"
	FrameConflict      FrameType = "CONFLICT"
	FrameLeave         FrameType = "LEAVE"
	FrameJoined        FrameType = "JOINED"
)

// IsControl reports whether the frame manages membership rather than
// carrying draft data.
func (t FrameType) IsControl() bool {
	return t == FrameJoin || t == FrameLeave
}

// ConflictNotice tells an author that one of its writes was superseded.
type ConflictNotice struct {
	OpID            string           `json:"opId"`
	FieldPath       models.FieldPath `json:"fieldPath"`
	SupersededValue models.Envelope  `json:"supersededValue"`
	WinningOpID     string           `json:"winningOpId"`
}

// NewConflictNotice converts resolver output into its wire form.
func NewConflictNotice(info resolver.ConflictInfo) (*ConflictNotice, error) {
	env, err := models.Wrap(info.SupersededValue)
	if err != nil {
		return nil, err
	}
	return &ConflictNotice{
		OpID:            info.OpID,
		FieldPath:       info.FieldPath,
		SupersededValue: env,
		WinningOpID:     info.WinningOpID,
	}, nil
}

// Info converts the notice back into resolver terms.
func (n ConflictNotice) Info() (resolver.ConflictInfo, error) {
	v, err := n.SupersededValue.Unwrap()
	if err != nil {
		return resolver.ConflictInfo{}, err
	}
	return resolver.ConflictInfo{
		OpID:            n.OpID,
		FieldPath:       n.FieldPath,
		SupersededValue: v,
		WinningOpID:     n.WinningOpID,
	}, nil
}

// Frame is one message on the realtime channel. Which fields are set
// depends on Type:
//
//	JOIN            DraftID, ParticipantID, VersionVector (empty asks for a snapshot)
//	STATE_SNAPSHOT  DraftID, Snapshot
//	OP              DraftID, Op
//	ACK             DraftID, OpID
//	CONFLICT        DraftID, Conflict
//	LEAVE / JOINED  DraftID, ParticipantID
type Frame struct {
	Type          FrameType            `json:"type"`
	DraftID       string               `json:"draftId"`
	ParticipantID string               `json:"participantId,omitempty"`
	VersionVector models.VersionVector `json:"versionVector,omitempty"`
	Op            *models.Operation    `json:"op,omitempty"`
	Snapshot      *models.Draft        `json:"snapshot,omitempty"`
	OpID          string               `json:"opId,omitempty"`
	Conflict      *ConflictNotice      `json:"conflict,omitempty"`
}
