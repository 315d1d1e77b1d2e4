package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/pantry/internal/memory"
	"github.com/lazypower/pantry/internal/orders"
	"github.com/lazypower/pantry/internal/scoring"
	"github.com/lazypower/pantry/internal/store"
)

func newRegistry(t *testing.T) (*Registry, store.Backend) {
	t.Helper()
	b := newBackend(t)
	r := NewRegistry(b, DefaultOptions(), store.WithClock(fixedClock))
	t.Cleanup(func() { r.Close() })
	return r, b
}

func TestRegistrySerializesHousehold(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.With("home-1", func(e *Engine) error {
		_, err := e.Household.Episodes.StartRun("run-1")
		return err
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.With("home-1", func(e *Engine) error {
				_, err := e.Household.Episodes.AddAction("run-1", memory.ItemAction{Kind: memory.ActionAdded, Item: "Milk"})
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NoError(t, r.With("home-1", func(e *Engine) error {
		run, err := e.Household.Episodes.GetRun("run-1")
		require.NoError(t, err)
		assert.Equal(t, 20, run.ItemsAdded)
		assert.Len(t, run.Actions, 20)
		return nil
	}))
	assert.Equal(t, []string{"home-1"}, r.Open())
}

func TestRegistryRejectsBadHousehold(t *testing.T) {
	r, _ := newRegistry(t)
	err := r.With("../escape", func(*Engine) error { return nil })
	assert.Error(t, err)
	assert.Empty(t, r.Open())
}

func TestRegistryReload(t *testing.T) {
	r, b := newRegistry(t)
	stance := func() string {
		var s string
		require.NoError(t, r.With("home-1", func(e *Engine) error {
			var err error
			s, err = e.Household.Preferences.BrandStance("Mimosa")
			return err
		}))
		return s
	}
	assert.Equal(t, scoring.StanceNeutral, stance())

	// Another writer on the same data.
	other, err := memory.OpenHousehold(b, "home-1")
	require.NoError(t, err)
	require.NoError(t, other.Preferences.SetBrandStance("Mimosa", scoring.StancePreferred))

	assert.Equal(t, scoring.StanceNeutral, stance(), "cached until reloaded")
	require.NoError(t, r.Reload("home-1", memory.PreferencesSchema.FileName))
	assert.Equal(t, scoring.StancePreferred, stance())

	require.NoError(t, r.Reload("home-1", ""))
	require.NoError(t, r.Reload("never-opened", ""))
	assert.Equal(t, []string{"home-1"}, r.Open())
}

func TestRegistryReloadSkipsOwnWrites(t *testing.T) {
	r, b := newRegistry(t)
	key := store.Key{HouseholdID: "home-1", Name: memory.PreferencesSchema.FileName}
	stance := func() string {
		var s string
		require.NoError(t, r.With("home-1", func(e *Engine) error {
			var err error
			s, err = e.Household.Preferences.BrandStance("Mimosa")
			return err
		}))
		return s
	}

	require.NoError(t, r.With("home-1", func(e *Engine) error {
		return e.Household.Preferences.SetBrandStance("Mimosa", scoring.StancePreferred)
	}))
	assert.True(t, r.writes.ownWrite(key))
	require.NoError(t, r.Reload("home-1", memory.PreferencesSchema.FileName))
	assert.Equal(t, scoring.StancePreferred, stance())

	other, err := memory.OpenHousehold(b, "home-1")
	require.NoError(t, err)
	require.NoError(t, other.Preferences.SetBrandStance("Mimosa", scoring.StanceAvoid))

	assert.False(t, r.writes.ownWrite(key), "an outside edit is not ours")
	require.NoError(t, r.Reload("home-1", memory.PreferencesSchema.FileName))
	assert.Equal(t, scoring.StanceAvoid, stance())
}

func TestRegistryRelearnAll(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.With("home-1", func(e *Engine) error {
		_, err := e.Household.Signals.BulkAddPurchases(orders.Entries(buy("Coffee", nil, day("2026-01-01"), day("2026-01-11"), day("2026-01-21"))))
		return err
	}))

	assert.Equal(t, 0, r.RelearnAll())
	require.NoError(t, r.With("home-1", func(e *Engine) error {
		c, err := e.Household.Cadence.GetItemCadence("coffee")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, 10.0, c.TypicalRestockDays)
		return nil
	}))
}

func TestRegistryClose(t *testing.T) {
	r, _ := newRegistry(t)
	r.StartRelearnTimer(0)
	require.NoError(t, r.With("home-1", func(*Engine) error { return nil }))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	err := r.With("home-1", func(*Engine) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
