package memory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lazypower/pantry/internal/store"
)

type fakeClock struct {
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	backend *store.FileBackend
	clock   *fakeClock
	hh      *Household
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	clock := newClock()
	hh, err := OpenHousehold(b, "home-1", store.WithClock(clock.Now))
	require.NoError(t, err)
	return &fixture{backend: b, clock: clock, hh: hh}
}

// reopen returns a fresh handle on the same data, with nothing cached.
func (f *fixture) reopen(t *testing.T) *Household {
	t.Helper()
	hh, err := OpenHousehold(f.backend, "home-1", store.WithClock(f.clock.Now))
	require.NoError(t, err)
	return hh
}

func (f *fixture) writeRaw(t *testing.T, fileName, body string) {
	t.Helper()
	path := f.backend.Path(store.Key{HouseholdID: "home-1", Name: fileName})
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func price(f float64) *float64 { return &f }
