// Package services contains the application services of the draftsync
// client. This file defines the identity service: the device's participant
// ID, a liveness probe, and release of the server connection.
package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/draftsync/internal/client/client"
	"github.com/dmitrijs2005/draftsync/internal/client/repositories/metadata"
	"github.com/google/uuid"
)

// IdentityService defines identity operations for the CLI.
//
// Contract:
//   - Participant: return the participant ID of this device, creating and
//     persisting one on first use. A non-empty preferred ID replaces the
//     stored one.
//   - Ping: check server liveness.
//   - Close: release underlying client resources.
type IdentityService interface {
	Participant(ctx context.Context, preferred string) (string, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type identityService struct {
	client client.Client
	db     *sql.DB
}

// NewIdentityService constructs an IdentityService bound to the given API
// client and DB.
func NewIdentityService(client client.Client, db *sql.DB) IdentityService {
	return &identityService{client: client, db: db}
}

func (a *identityService) getMetadataRepo() metadata.Repository {
	return metadata.NewSQLiteRepository(a.db)
}

func (a *identityService) Participant(ctx context.Context, preferred string) (string, error) {
	repo := a.getMetadataRepo()

	if preferred != "" {
		if err := repo.SetParticipantID(ctx, preferred); err != nil {
			return "", fmt.Errorf("saving participant id: %w", err)
		}
		return preferred, nil
	}

	id, err := repo.ParticipantID(ctx)
	if err != nil {
		return "", fmt.Errorf("loading participant id: %w", err)
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := repo.SetParticipantID(ctx, id); err != nil {
		return "", fmt.Errorf("saving participant id: %w", err)
	}
	return id, nil
}

// Ping proxies a liveness check to the underlying client.
func (a *identityService) Ping(ctx context.Context) error {
	return a.client.Ping(ctx)
}

// Close releases resources held by the underlying client.
func (a *identityService) Close(ctx context.Context) error {
	return a.client.Close()
}
