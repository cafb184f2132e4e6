// Package cli provides the interactive draftsync command-line client.
//
// It wires configuration, the local store, the sync engine and an
// interactive REPL. Edits are committed locally and synced in the
// background; conflicts and sync failures are printed as they happen.
//
// Key commands:
//   - open <draft>: load or create a draft and join its realtime session
//   - set <field> <value>: edit a field of the open draft
//   - show / status: current values, connectivity and pending operations
//   - failed / retry / discard: resolve permanently failed deliveries
//   - delete: drop the draft locally
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
