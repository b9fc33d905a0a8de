package database

import (
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

// NewMockPool creates a pgxmock pool that matches statements by regular
// expression. It satisfies DBTX, so the capacity and settings stores accept
// it in place of a real pool.
func NewMockPool() (pgxmock.PgxPoolIface, error) {
	return pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
}
