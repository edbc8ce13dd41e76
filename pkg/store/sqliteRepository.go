package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/sqlite/schema.sql
var sqliteSchema string

var placeholder = regexp.MustCompile(`\$(\d+)`)

// SqliteRepository keeps the queue in a local database file so jobs survive
// restarts of a single engine process.
type SqliteRepository struct {
	sqlRepository
}

// OpenSqlite creates or opens the database at path and applies the schema.
// Calling it on an existing database is a no-op apart from the pragmas.
func OpenSqlite(path string) (*SqliteRepository, error) {
	db, err := sqlOpen("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite %s: %w", path, err)
	}

	// One writer at a time; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return NewSqliteRepository(db), nil
}

func NewSqliteRepository(db *sql.DB) *SqliteRepository {
	return &SqliteRepository{sqlRepository{db: db, dialect: sqliteDialect}}
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

var sqliteDialect = dialect{
	system: "sqlite",
	rebind: func(query string) string {
		return placeholder.ReplaceAllString(query, "?$1")
	},
	timeArg: func(t time.Time) any {
		return t.UnixMicro()
	},
	isUniqueViolation: func(err error) bool {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.Code() {
			case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
				return true
			}
		}
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

var _ Repository = (*SqliteRepository)(nil)
