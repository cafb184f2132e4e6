package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dmitrijs2005/draftsync/internal/client/cache"
	"github.com/dmitrijs2005/draftsync/internal/models"
)

var errNoDraft = errors.New("no draft open, use 'open <draft>' first")

// draftArg picks the draft named in args, or the open one.
func (a *App) draftArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if id := a.currentDraft(); id != "" {
		return id, nil
	}
	return "", errNoDraft
}

func (a *App) fail(err error) error {
	fmt.Fprintln(a.out, "error:", err)
	return err
}

func (a *App) Open(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return a.fail(errors.New("usage: open <draft>"))
	}
	d, err := a.drafts.Open(ctx, args[0])
	if err != nil {
		return a.fail(err)
	}
	a.setCurrent(d.ID)
	fmt.Fprintf(a.out, "Opened %s (%d fields set)\n", d.ID, len(d.Fields))
	return nil
}

func (a *App) Set(ctx context.Context, args []string) error {
	id := a.currentDraft()
	if id == "" {
		return a.fail(errNoDraft)
	}
	if len(args) == 0 {
		return a.fail(errors.New("usage: set <field> [value]"))
	}
	path := models.FieldPath(args[0])
	kind, ok := a.schema.Kind(path)
	if !ok {
		return a.fail(fmt.Errorf("unknown field %q, see 'fields'", path))
	}

	raw := strings.Join(args[1:], " ")
	if raw == "" {
		var err error
		if path == models.FieldMessage {
			raw, err = GetMultiline(a.reader, "Message", a.out)
		} else {
			raw, err = GetSimpleText(a.reader, fmt.Sprintf("%s (%s)", path, kind), a.out)
		}
		if err != nil {
			return a.fail(err)
		}
	}

	v, err := models.ParseValue(kind, raw)
	if err != nil {
		return a.fail(err)
	}
	op, err := a.drafts.Edit(ctx, id, path, v)
	if err != nil {
		return a.fail(err)
	}
	fmt.Fprintf(a.out, "Saved %s (op %s)\n", path, op.OpID)
	return nil
}

func (a *App) Show(ctx context.Context, args []string) error {
	id, err := a.draftArg(args)
	if err != nil {
		return a.fail(err)
	}
	d, err := a.drafts.Get(ctx, id)
	if err != nil {
		return a.fail(err)
	}
	fmt.Fprintf(a.out, "Draft %s  vv=%s\n", d.ID, d.VersionVector)
	for _, p := range d.Paths() {
		f := d.Fields[p]
		fmt.Fprintf(a.out, "  %-14s %s  (%s)\n", p, f.Value, f.OpID)
	}
	return nil
}

func (a *App) Status(ctx context.Context, args []string) error {
	fmt.Fprintf(a.out, "Participant: %s\n", a.drafts.ParticipantID())
	fmt.Fprintf(a.out, "Connectivity: %s\n", a.drafts.Connectivity())
	if id, err := a.draftArg(args); err == nil {
		pending := a.drafts.Pending(id)
		fmt.Fprintf(a.out, "Draft %s: %d operation(s) waiting\n", id, len(pending))
		for _, e := range pending {
			line := fmt.Sprintf("  %s %s attempt %d", e.Op.OpID, e.Status, e.Attempt)
			if !e.NextRetryAt.IsZero() {
				line += " next " + e.NextRetryAt.Format("15:04:05")
			}
			if e.LastError != "" {
				line += " (" + e.LastError + ")"
			}
			fmt.Fprintln(a.out, line)
		}
	}
	if failed := a.drafts.Failed(); len(failed) > 0 {
		fmt.Fprintf(a.out, "%d draft(s) blocked by a failed operation, see 'failed'\n", len(failed))
	}
	return nil
}

func (a *App) Failed(ctx context.Context, args []string) error {
	failed := a.drafts.Failed()
	if len(failed) == 0 {
		fmt.Fprintln(a.out, "No failed operations")
		return nil
	}
	for _, e := range failed {
		fmt.Fprintf(a.out, "%s: %s on %s failed after %d attempt(s): %s\n",
			e.Op.DraftID, e.Op.OpID, e.Op.FieldPath, e.Attempt, e.LastError)
	}
	return nil
}

func (a *App) Retry(ctx context.Context, args []string) error {
	id, err := a.draftArg(args)
	if err != nil {
		return a.fail(err)
	}
	if err := a.drafts.Retry(ctx, id); err != nil {
		return a.fail(err)
	}
	fmt.Fprintf(a.out, "Retrying %s\n", id)
	return nil
}

func (a *App) Discard(ctx context.Context, args []string) error {
	id, err := a.draftArg(args)
	if err != nil {
		return a.fail(err)
	}
	d, err := a.drafts.Discard(ctx, id)
	if err != nil {
		return a.fail(err)
	}
	fmt.Fprintf(a.out, "Discarded failed edits of %s (%d fields set)\n", id, len(d.Fields))
	return nil
}

func (a *App) Delete(ctx context.Context, args []string) error {
	id, err := a.draftArg(args)
	if err != nil {
		return a.fail(err)
	}
	if err := a.drafts.Delete(ctx, id); err != nil {
		return a.fail(err)
	}
	if a.currentDraft() == id {
		a.setCurrent("")
	}
	fmt.Fprintf(a.out, "Deleted %s\n", id)
	return nil
}

func (a *App) Asset(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return a.fail(errors.New("usage: asset <tier> <key>"))
	}
	tier, err := cache.ParseTier(args[0])
	if err != nil {
		return a.fail(err)
	}
	b, err := a.drafts.Asset(ctx, tier, args[1])
	if err != nil {
		return a.fail(err)
	}
	fmt.Fprintf(a.out, "%s/%s: %d bytes\n", tier, args[1], len(b))
	return nil
}

// Image uploads a local file and points an image field at it.
func (a *App) Image(ctx context.Context, args []string) error {
	id := a.currentDraft()
	if id == "" {
		return a.fail(errNoDraft)
	}
	if len(args) != 2 {
		return a.fail(errors.New("usage: image <field> <file>"))
	}
	path := models.FieldPath(args[0])
	if kind, ok := a.schema.Kind(path); !ok || kind != models.KindImageRef {
		return a.fail(fmt.Errorf("%q is not an image field", path))
	}
	payload, err := os.ReadFile(args[1])
	if err != nil {
		return a.fail(err)
	}
	op, err := a.drafts.AttachImage(ctx, id, path, payload)
	if err != nil {
		return a.fail(err)
	}
	fmt.Fprintf(a.out, "Uploaded %s as %s (op %s)\n", args[1], op.Value, op.OpID)
	return nil
}

func (a *App) Fields(ctx context.Context, args []string) error {
	for _, p := range a.schema.Paths() {
		kind, _ := a.schema.Kind(p)
		fmt.Fprintf(a.out, "  %-14s %s\n", p, kind)
	}
	fmt.Fprintf(a.out, "  %s<name>   text\n", models.CustomPrefix)
	return nil
}
