package engine

import (
	"fmt"
	"time"

	"github.com/lazypower/pantry/internal/memory"
	"github.com/lazypower/pantry/internal/scoring"
)

// SlotPreferences converts stored delivery preferences for the scorer.
func (e *Engine) SlotPreferences(earliest time.Time) (scoring.SlotPreferences, error) {
	prefs, err := e.Household.Preferences.Get()
	if err != nil {
		return scoring.SlotPreferences{}, err
	}
	sp := scoring.SlotPreferences{
		PreferredDays: prefs.Weekdays(),
		WindowStart:   prefs.Delivery.WindowStart,
		WindowEnd:     prefs.Delivery.WindowEnd,
		EarliestDate:  earliest,
		HorizonDays:   e.opts.UrgencyHorizonDays,
	}
	if prefs.Delivery.MaxDeliveryCost != nil {
		sp.MaxDeliveryCost = *prefs.Delivery.MaxDeliveryCost
	}
	return sp, nil
}

// RankSlots scores offered delivery slots against the household's delivery
// preferences. A zero earliest date disables urgency.
func (e *Engine) RankSlots(slots []scoring.Slot, earliest time.Time) ([]scoring.ScoredSlot, error) {
	sp, err := e.SlotPreferences(earliest)
	if err != nil {
		return nil, fmt.Errorf("rank slots: %w", err)
	}
	return scoring.RankSlots(slots, sp, e.opts.SlotWeights), nil
}

// RankSubstitutes ranks candidates for original. Inputs a candidate leaves
// unset are filled from memory: similarity to the original, the brand stance
// from preferences, and the acceptance rate of the exact pair or, failing
// that, of the candidate's brand. A nil originalPrice falls back to the
// item's typical price.
func (e *Engine) RankSubstitutes(original memory.ItemIdentifier, originalPrice *float64, candidates []scoring.Candidate) ([]scoring.ScoredCandidate, error) {
	hh := e.Household
	prefs, err := hh.Preferences.Get()
	if err != nil {
		return nil, fmt.Errorf("rank substitutes: %w", err)
	}
	if originalPrice == nil {
		sig, err := hh.Signals.FindExactSignal(original)
		if err != nil {
			return nil, fmt.Errorf("rank substitutes: %w", err)
		}
		if sig != nil {
			originalPrice = sig.TypicalPrice
		}
	}
	brands, err := hh.Substitutions.GetBrandToleranceScores()
	if err != nil {
		return nil, fmt.Errorf("rank substitutes: %w", err)
	}
	brandRate := make(map[string]float64, len(brands))
	for _, b := range brands {
		brandRate[b.Brand] = b.AcceptanceRate
	}

	filled := make([]scoring.Candidate, len(candidates))
	for i, c := range candidates {
		if c.Similarity == nil {
			sim := memory.CalculateItemSimilarity(original, memory.ItemIdentifier{Name: c.Name, SKU: c.SKU, Category: c.Category})
			c.Similarity = &sim
		}
		if c.BrandStance == "" {
			c.BrandStance = prefs.BrandStance(c.Name)
		}
		if c.AcceptanceRate == nil {
			p, err := hh.Substitutions.GetPattern(original.Name, c.Name)
			if err != nil {
				return nil, fmt.Errorf("rank substitutes: %w", err)
			}
			if p != nil {
				rate := p.AcceptanceRate
				c.AcceptanceRate = &rate
			} else if rate, ok := brandRate[memory.BrandToken(c.Name)]; ok && memory.BrandToken(c.Name) != memory.BrandToken(original.Name) {
				c.AcceptanceRate = &rate
			}
		}
		filled[i] = c
	}

	ctx := scoring.SubstituteContext{
		OriginalPrice:           originalPrice,
		MaxPriceIncreasePercent: prefs.Budget.MaxSubstitutePriceIncreasePercent,
	}
	return scoring.RankSubstitutes(filled, ctx, e.opts.SubstituteWeights), nil
}
