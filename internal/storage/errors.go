package storage

import (
	"errors"

	"github.com/lib/pq"
)

// ErrConcurrentUpdate is returned when an idempotency key was taken by a parallel
// transaction after our existence check
var ErrConcurrentUpdate = errors.New("concurrent update on idempotency key")

// pqUniqueViolation is the SQLSTATE for unique_violation
const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}
