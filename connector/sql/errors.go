package sql

import (
	"errors"
	"strings"

	"github.com/syssam/nestwrite"
)

// errorCoder is implemented by driver errors that expose string error
// codes (pq.Error, pgx, modernc.org/sqlite).
type errorCoder interface {
	Code() string
}

// errorNumberer is implemented by driver errors that expose numeric
// codes (mysql.MySQLError).
type errorNumberer interface {
	Number() uint16
}

// sqlStateError is implemented by driver errors that expose SQLSTATE.
type sqlStateError interface {
	SQLState() string
}

// PostgreSQL SQLSTATE codes for constraint violations (class 23).
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// MySQL error numbers for constraint violations.
const (
	mysqlDuplicateEntry         = 1062
	mysqlForeignKeyParent       = 1451 // cannot delete or update a parent row
	mysqlForeignKeyChild        = 1452 // cannot add or update a child row
	mysqlCheckConstraintViolate = 3819
)

// classify wraps database constraint violations in a ConstraintError so
// the engine reports them uniformly across drivers. Other errors pass
// through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isConstraintViolation(err) {
		return nestwrite.NewConstraintError(err.Error(), err)
	}
	return err
}

func isConstraintViolation(err error) bool {
	if e, ok := asError[sqlStateError](err); ok {
		switch e.SQLState() {
		case pgUniqueViolation, pgForeignKeyViolation, pgCheckViolation:
			return true
		}
	}
	if e, ok := asError[errorCoder](err); ok {
		switch e.Code() {
		case pgUniqueViolation, pgForeignKeyViolation, pgCheckViolation:
			return true
		}
	}
	if e, ok := asError[errorNumberer](err); ok {
		switch e.Number() {
		case mysqlDuplicateEntry, mysqlForeignKeyParent, mysqlForeignKeyChild, mysqlCheckConstraintViolate:
			return true
		}
	}
	// String matching for drivers that implement none of the interfaces.
	return containsAny(err.Error(),
		"Error 1062", "Error 1451", "Error 1452", "Error 3819", // MySQL
		"violates unique constraint",      // Postgres
		"violates foreign key constraint", // Postgres
		"violates check constraint",       // Postgres
		"UNIQUE constraint failed",        // SQLite
		"FOREIGN KEY constraint failed",   // SQLite
		"CHECK constraint failed",         // SQLite
	)
}

// asError extracts an error implementing T from the chain.
func asError[T any](err error) (T, bool) {
	var target T
	for err != nil {
		if e, ok := err.(T); ok {
			return e, true
		}
		err = errors.Unwrap(err)
	}
	return target, false
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
