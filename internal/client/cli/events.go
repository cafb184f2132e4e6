package cli

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/draftsync/internal/client/services"
)

// describe renders an engine event for the terminal. Events not worth
// interrupting the user for render as "".
func (a *App) describe(ev services.Event) string {
	switch ev.Kind {
	case services.EventConflict:
		if ev.Conflict == nil {
			return fmt.Sprintf("[%s] your edit %s was overridden", ev.DraftID, ev.OpID)
		}
		return fmt.Sprintf("[%s] your %s %q was overridden by %s",
			ev.DraftID, ev.Conflict.FieldPath, ev.Conflict.SupersededValue, ev.Conflict.WinningOpID)
	case services.EventSyncFailure:
		return fmt.Sprintf("[%s] %s could not be synced: %v (use 'retry' or 'discard')", ev.DraftID, ev.OpID, ev.Err)
	case services.EventParticipantJoined:
		return fmt.Sprintf("[%s] %s joined", ev.DraftID, ev.ParticipantID)
	case services.EventParticipantLeft:
		return fmt.Sprintf("[%s] %s left", ev.DraftID, ev.ParticipantID)
	case services.EventRemoteApplied:
		if ev.DraftID != a.currentDraft() {
			return ""
		}
		return fmt.Sprintf("[%s] updated by %s", ev.DraftID, ev.ParticipantID)
	case services.EventSnapshotApplied:
		return fmt.Sprintf("[%s] synced with server", ev.DraftID)
	case services.EventCorrupt:
		return fmt.Sprintf("[%s] local copy was damaged, restoring from server", ev.DraftID)
	case services.EventConnectivity:
		return fmt.Sprintf("Switched to %s mode", ev.State)
	}
	return ""
}

// watchEvents prints engine events until ctx is done.
func (a *App) watchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.drafts.Events():
			if msg := a.describe(ev); msg != "" {
				printlnFn(msg)
			}
		}
	}
}
