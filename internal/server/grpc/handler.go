package grpc

import (
	"context"
	"errors"
	"io"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/dmitrijs2005/draftsync/internal/server/hub"
	"github.com/dmitrijs2005/draftsync/internal/server/services"
	"github.com/dmitrijs2005/draftsync/internal/wire"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func (s *GRPCServer) Ping(ctx context.Context, req *wire.PingRequest) (*wire.PingResponse, error) {
	return &wire.PingResponse{Status: wire.PingStatusOK, ServerTime: s.now().UTC()}, nil
}

func (s *GRPCServer) Drain(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error) {
	participantID, ok := participantFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unauthenticated")
	}

	res, err := s.drafts.Apply(ctx, participantID, req.DraftID, req.Operations)
	if err != nil {
		return nil, s.statusError(ctx, err)
	}
	s.publish(ctx, req.DraftID, participantID, res)

	return &wire.DrainResponse{
		Accepted:            res.Accepted,
		Rejected:            res.Rejected,
		ServerVersionVector: res.Vector,
	}, nil
}

func (s *GRPCServer) statusError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, common.ErrMalformedOp):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, common.ErrOutOfOrder):
		return status.Error(codes.Aborted, err.Error())
	default:
		s.logger.Error(ctx, "drain failed", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}

// publish forwards newly applied operations to the draft's other
// participants and tells the author about writes that lost.
func (s *GRPCServer) publish(ctx context.Context, draftID, participantID string, res *services.ApplyResult) {
	for i := range res.Applied {
		op := res.Applied[i]
		s.hub.Broadcast(draftID, participantID, &wire.Frame{
			Type:          wire.FrameOp,
			DraftID:       draftID,
			ParticipantID: op.ParticipantID,
			Op:            &op,
		})
	}
	for _, c := range res.Conflicts {
		notice, err := wire.NewConflictNotice(c)
		if err != nil {
			s.logger.Warn(ctx, "conflict not reported", "op_id", c.OpID, "error", err)
			continue
		}
		s.hub.SendTo(draftID, participantID, &wire.Frame{Type: wire.FrameConflict, DraftID: draftID, Conflict: notice})
	}
}

// Channel serves one client's realtime stream. Frames for the client are
// queued by the hub and written here; a client that cannot keep up is
// disconnected and catches up when it rejoins.
func (s *GRPCServer) Channel(stream wire.ChannelServerStream) error {
	ctx := stream.Context()
	participantID, ok := participantFrom(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "unauthenticated")
	}

	conn := s.hub.Connect(participantID)
	defer s.hub.Disconnect(conn)

	recvErr := make(chan error, 1)
	go func() { recvErr <- s.readFrames(ctx, stream, conn) }()

	for {
		select {
		case f := <-conn.Frames():
			if err := stream.Send(f); err != nil {
				return err
			}
		case <-conn.Done():
			return status.Error(codes.ResourceExhausted, "connection fell behind")
		case err := <-recvErr:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *GRPCServer) readFrames(ctx context.Context, stream wire.ChannelServerStream, conn *hub.Conn) error {
	for {
		f, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		s.handleFrame(ctx, conn, f)
	}
}

func (s *GRPCServer) handleFrame(ctx context.Context, conn *hub.Conn, f *wire.Frame) {
	if f.DraftID == "" {
		s.logger.Warn(ctx, "frame without draft", "type", string(f.Type), "participant_id", conn.ParticipantID)
		return
	}

	switch f.Type {
	case wire.FrameJoin:
		s.hub.Join(f.DraftID, conn)
		s.catchUp(ctx, conn, f.DraftID, f.VersionVector)
	case wire.FrameLeave:
		s.hub.Leave(f.DraftID, conn)
	case wire.FrameOp:
		if f.Op == nil {
			return
		}
		res, err := s.drafts.Apply(ctx, conn.ParticipantID, f.DraftID, []models.Operation{*f.Op})
		if err != nil {
			s.logger.Debug(ctx, "channel operation not applied", "op_id", f.Op.OpID, "error", err)
			return
		}
		for _, id := range res.Accepted {
			conn.Push(&wire.Frame{Type: wire.FrameAck, DraftID: f.DraftID, OpID: id})
		}
		for _, r := range res.Rejected {
			s.logger.Warn(ctx, "channel operation rejected", "op_id", r.OpID, "reason", r.Reason)
		}
		s.publish(ctx, f.DraftID, conn.ParticipantID, res)
	default:
		s.logger.Warn(ctx, "unexpected frame", "type", string(f.Type))
	}
}

// catchUp sends a joiner what it is missing: the operations its vector has
// not seen, or a full snapshot when it announced nothing or is too far
// behind. A replay must fit in the connection's free queue space, otherwise
// the joiner would be dropped as a slow consumer and rejoin with the same
// vector.
func (s *GRPCServer) catchUp(ctx context.Context, conn *hub.Conn, draftID string, vv models.VersionVector) {
	if !vv.IsEmpty() {
		ops, err := s.drafts.Missing(ctx, draftID, vv)
		switch {
		case err != nil:
			s.logger.Warn(ctx, "replay failed, sending snapshot", "draft_id", draftID, "error", err)
		case len(ops) <= s.replayLimit && len(ops) < conn.Free():
			for i := range ops {
				op := ops[i]
				conn.Push(&wire.Frame{Type: wire.FrameOp, DraftID: draftID, ParticipantID: op.ParticipantID, Op: &op})
			}
			return
		}
	}

	d, err := s.drafts.Snapshot(ctx, draftID)
	if err != nil {
		s.logger.Error(ctx, "snapshot failed", "draft_id", draftID, "error", err)
		return
	}
	conn.Push(&wire.Frame{Type: wire.FrameStateSnapshot, DraftID: draftID, Snapshot: d})
}
