package rbac

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("rbac: invalid input")
	ErrNotFound     = errors.New("rbac: not found")
	ErrConflict     = errors.New("rbac: conflict")
	ErrIntegrity    = errors.New("rbac: integrity violation")
)

// ConflictError reports a duplicate active edge or a duplicate unique name.
// It matches ErrConflict with errors.Is.
type ConflictError struct {
	Entity string
	Key    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("rbac: %s %s already exists", e.Entity, e.Key)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func conflict(entity, format string, args ...any) error {
	return &ConflictError{Entity: entity, Key: fmt.Sprintf(format, args...)}
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
}

func errInvalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}
