package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresRepository stores jobs in postgres. Several engine processes may
// share one database; claims never block each other.
type PostgresRepository struct {
	sqlRepository
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{sqlRepository{db: db, dialect: postgresDialect}}
}

var postgresDialect = dialect{
	system: "postgresql",
	timeArg: func(t time.Time) any {
		return t
	},
	isUniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

var _ Repository = (*PostgresRepository)(nil)
