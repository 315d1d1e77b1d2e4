package store

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrNotExist is returned by a Backend when no document is stored under a key.
var ErrNotExist = errors.New("document does not exist")

var householdIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Key addresses one document: one store file for one household.
type Key struct {
	HouseholdID string
	Name        string // file name, e.g. "item-signals.json"
}

func (k Key) String() string {
	return k.HouseholdID + "/" + k.Name
}

// ValidateHouseholdID rejects ids that are unsafe as a directory name.
func ValidateHouseholdID(id string) error {
	if !householdIDRe.MatchString(id) || id == ".." {
		return fmt.Errorf("invalid household id %q", id)
	}
	return nil
}

// Validate rejects keys that could escape the data directory.
func (k Key) Validate() error {
	if err := ValidateHouseholdID(k.HouseholdID); err != nil {
		return err
	}
	if !householdIDRe.MatchString(k.Name) || k.Name == ".." {
		return fmt.Errorf("invalid document name %q", k.Name)
	}
	return nil
}

// Backend persists raw documents. Write must be atomic per key and must keep
// a backup of the document it replaces.
type Backend interface {
	Read(key Key) ([]byte, error)
	Write(key Key, data []byte) error
	Close() error
}
