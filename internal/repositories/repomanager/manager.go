package repomanager

import (
	"context"
	"database/sql"

	"github.com/casalink/casalink/internal/dbx"
	"github.com/casalink/casalink/internal/repositories/sessions"
	"github.com/casalink/casalink/internal/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	Sessions(db dbx.DBTX) sessions.Repository
}
