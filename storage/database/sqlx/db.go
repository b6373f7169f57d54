// Package sqlxrepos implements the user and role repositories on Postgres
// using sqlx.
package sqlxrepos

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// Wrap prepares a *sql.DB for use by the repositories in this package.
func Wrap(db *sql.DB) *sqlx.DB {
	return sqlx.NewDb(db, "postgres")
}
