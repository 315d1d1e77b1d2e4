package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/pantry/internal/scoring"
)

func TestPreferencesDefaults(t *testing.T) {
	f := newFixture(t)
	p, err := f.hh.Preferences.Get()
	require.NoError(t, err)
	assert.Empty(t, p.BrandPreferences)
	assert.NotNil(t, p.Delivery.PreferredDays)
	assert.Nil(t, p.Budget.WeeklyLimit)
}

func TestSetBrandStance(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Preferences

	require.NoError(t, s.SetBrandStance("Mimosa", scoring.StancePreferred))
	require.NoError(t, s.SetBrandStance("Agros", scoring.StanceAvoid))
	require.NoError(t, s.SetBrandStance("  MIMOSA ", scoring.StanceAvoid))

	p, err := f.reopen(t).Preferences.Get()
	require.NoError(t, err)
	assert.Equal(t, []BrandPreference{
		{Brand: "Agros", Stance: scoring.StanceAvoid},
		{Brand: "MIMOSA", Stance: scoring.StanceAvoid},
	}, p.BrandPreferences)

	require.NoError(t, s.SetBrandStance("agros", scoring.StanceNeutral))
	p, err = s.Get()
	require.NoError(t, err)
	assert.Len(t, p.BrandPreferences, 1)

	assert.ErrorIs(t, s.SetBrandStance("", scoring.StancePreferred), ErrInvalid)
	assert.ErrorIs(t, s.SetBrandStance("Agros", "love"), ErrInvalid)
}

func TestBrandStanceMatching(t *testing.T) {
	p := HouseholdPreferences{BrandPreferences: []BrandPreference{
		{Brand: "Mimosa", Stance: scoring.StancePreferred},
		{Brand: "Pingo Doce", Stance: scoring.StanceAvoid},
	}}

	assert.Equal(t, scoring.StancePreferred, p.BrandStance("mimosa"))
	assert.Equal(t, scoring.StancePreferred, p.BrandStance("Mimosa Leite Meio Gordo 1L"))
	assert.Equal(t, scoring.StanceAvoid, p.BrandStance("Pingo Doce Arroz"))
	assert.Equal(t, scoring.StanceNeutral, p.BrandStance("Agros Leite"))
	assert.Equal(t, scoring.StanceNeutral, p.BrandStance("Mimosas"))
}

func TestPreferencesUpdateValidates(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Preferences

	_, err := s.Update(func(p *HouseholdPreferences) error {
		p.Delivery.PreferredDays = []string{"Saturday", " sunday"}
		p.Delivery.WindowStart = "09:00"
		p.Delivery.WindowEnd = "12:30"
		p.Budget.WeeklyLimit = price(120)
		return nil
	})
	require.NoError(t, err)

	p, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"saturday", "sunday"}, p.Delivery.PreferredDays)
	assert.Equal(t, []time.Weekday{time.Saturday, time.Sunday}, p.Weekdays())

	tests := []struct {
		name string
		fn   func(p *HouseholdPreferences)
	}{
		{"bad day", func(p *HouseholdPreferences) { p.Delivery.PreferredDays = []string{"someday"} }},
		{"bad window", func(p *HouseholdPreferences) { p.Delivery.WindowStart = "9am" }},
		{"negative budget", func(p *HouseholdPreferences) { p.Budget.WeeklyLimit = price(-5) }},
		{"bad stance", func(p *HouseholdPreferences) {
			p.BrandPreferences = []BrandPreference{{Brand: "Mimosa", Stance: "love"}}
		}},
		{"duplicate brand", func(p *HouseholdPreferences) {
			p.BrandPreferences = []BrandPreference{
				{Brand: "Mimosa", Stance: scoring.StancePreferred},
				{Brand: "mimosa", Stance: scoring.StanceAvoid},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Update(func(p *HouseholdPreferences) error {
				tt.fn(p)
				return nil
			})
			assert.ErrorIs(t, err, ErrInvalid)

			after, err := s.Get()
			require.NoError(t, err)
			assert.Equal(t, p, after, "rejected update leaves preferences unchanged")
		})
	}

	boom := errors.New("boom")
	_, err = s.Update(func(p *HouseholdPreferences) error {
		p.Notes = "changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)
	after, _ := s.Get()
	assert.Empty(t, after.Notes)
}
