package memory

import (
	"errors"
	"fmt"

	"github.com/lazypower/pantry/internal/store"
)

var (
	// ErrNotFound is returned by writes that need an existing record.
	ErrNotFound = errors.New("not found")
	// ErrInvalid wraps rejected operation input.
	ErrInvalid = errors.New("invalid input")

	ErrDuplicateRun  = errors.New("run already exists")
	ErrRunCompleted  = errors.New("run already completed")
	ErrPhaseBackward = errors.New("phase cannot move backward")
)

// checkInput validates operation input with the same struct tags used for
// stored documents.
func checkInput(what string, v any) error {
	if se := store.Validate(v); se != nil {
		if se.Field == "" {
			return fmt.Errorf("%s: %w: %s", what, ErrInvalid, se.Reason)
		}
		return fmt.Errorf("%s: %w: %s %s", what, ErrInvalid, se.Field, se.Reason)
	}
	return nil
}
