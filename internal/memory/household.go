// Package memory holds the household's learned state: the purchase ledger,
// restock cadences, substitution outcomes, run history and preferences. Each
// is a versioned document managed by internal/store.
package memory

import (
	"fmt"

	"github.com/lazypower/pantry/internal/store"
)

// Household bundles the store handles for one household. It is the context
// object passed to every engine operation; the caller owns its lifetime.
// Not safe for concurrent use.
type Household struct {
	ID            string
	Signals       *SignalStore
	Cadence       *CadenceStore
	Substitutions *SubstitutionStore
	Episodes      *EpisodeStore
	Preferences   *PreferencesStore
}

// OpenHousehold builds the store handles. Nothing is read until first use.
func OpenHousehold(b store.Backend, householdID string, opts ...store.Option) (*Household, error) {
	if err := (store.Key{HouseholdID: householdID, Name: SignalsSchema.FileName}).Validate(); err != nil {
		return nil, fmt.Errorf("open household: %w", err)
	}
	return &Household{
		ID:            householdID,
		Signals:       NewSignalStore(b, householdID, opts...),
		Cadence:       NewCadenceStore(b, householdID, opts...),
		Substitutions: NewSubstitutionStore(b, householdID, opts...),
		Episodes:      NewEpisodeStore(b, householdID, opts...),
		Preferences:   NewPreferencesStore(b, householdID, opts...),
	}, nil
}

type lifecycle interface {
	Name() string
	Key() store.Key
	EnsureLoaded() error
	Reload() error
}

func (h *Household) stores() []lifecycle {
	return []lifecycle{h.Signals, h.Cadence, h.Substitutions, h.Episodes, h.Preferences}
}

// Load loads every store, stopping at the first failure.
func (h *Household) Load() error {
	for _, s := range h.stores() {
		if err := s.EnsureLoaded(); err != nil {
			return err
		}
	}
	return nil
}

// Reload re-reads every store from the backend.
func (h *Household) Reload() error {
	for _, s := range h.stores() {
		if err := s.Reload(); err != nil {
			return fmt.Errorf("reload %s: %w", s.Name(), err)
		}
	}
	return nil
}

// ReloadStore re-reads the store persisted under fileName. Unknown names are
// ignored.
func (h *Household) ReloadStore(fileName string) error {
	for _, s := range h.stores() {
		if s.Key().Name == fileName {
			return s.Reload()
		}
	}
	return nil
}
