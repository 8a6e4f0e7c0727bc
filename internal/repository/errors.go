package repository

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound は更新対象が存在しないことを示す。
	ErrNotFound = errors.New("record not found")
	// ErrConflict は一意制約に違反したことを示す。
	ErrConflict = errors.New("unique constraint violation")
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// isUniqueViolation はerrがPostgreSQLの一意制約違反かを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
