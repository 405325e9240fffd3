package docstore

import (
	"errors"
	"fmt"
)

// Error classes for callers to branch on with errors.Is.
var (
	// ErrValidation covers unknown operators, unknown declared fields,
	// bad field paths and operand type mismatches. Nothing has been
	// committed to the backend when it is returned.
	ErrValidation = errors.New("invalid document operation")

	// ErrConnection covers every backend failure: unreachable store,
	// failed insert, failed update. On update paths it implies the
	// affected cache entry has been evicted.
	ErrConnection = errors.New("document backend unavailable")
)

func wrapValidation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func wrapConnection(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrConnection, op, err)
}
