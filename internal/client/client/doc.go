// Package client contains the client-side transport and database bootstrap
// for draftsync.
//
// # Overview
//
// The package provides:
//  1. A transport-agnostic contract (see the Client interface) for the sync
//     server: Ping, Drain and the realtime Channel.
//  2. A gRPC implementation (see GRPCClient) that manages one connection,
//     attaches the participant bearer token to every unary and streaming
//     call, and maps gRPC status codes to sentinel errors.
//  3. Local persistence bootstrap (InitDatabase, RunMigrations, BuildDSN)
//     wiring an SQLite database and applying embedded goose migrations.
//
// # Error Handling
//
// ErrUnavailable wraps common.ErrTransientNetwork so the sync queue treats
// it as retryable; ErrUnauthorized is permanent. Match both with errors.Is.
//
// Concurrency & Contexts
//
// GRPCClient is safe for concurrent use. All operations accept
// context.Context and honor cancellation.
package client
