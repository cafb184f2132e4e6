package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/draftsync/internal/dbx"
	"github.com/dmitrijs2005/draftsync/internal/server/repositories/drafts"
	"github.com/dmitrijs2005/draftsync/internal/server/repositories/operations"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Drafts(db dbx.DBTX) drafts.Repository
	Operations(db dbx.DBTX) operations.Repository
}
